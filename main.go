package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/linkdeck/linkdeck/internal/api"
	"github.com/linkdeck/linkdeck/internal/cache"
	"github.com/linkdeck/linkdeck/internal/config"
	"github.com/linkdeck/linkdeck/internal/dashboard"
	"github.com/linkdeck/linkdeck/internal/folders"
	"github.com/linkdeck/linkdeck/internal/logging"
	"github.com/linkdeck/linkdeck/internal/server"
	"github.com/linkdeck/linkdeck/internal/server/routes"
	"github.com/linkdeck/linkdeck/internal/version"
)

// envConfigPath 指定配置文件路径，优先级低于 -config 标志。
const envConfigPath = "LINKDECK_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_mode"] = cfg.Global.StorageMode
		fields["resources"] = len(cfg.Resources)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 持久层 → Store/Bus → 远端客户端 → 视图与控制器 → Fiber server，
	// 所有视图共享同一个 Store 与 Bus，变更产生的失效才能到达每个订阅者。
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_mode"] = cfg.Global.StorageMode
	fields["api_base_url"] = cfg.Global.APIBaseURL
	fields["api_token"] = cfg.Global.HasToken()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("linkdeck", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 LINKDECK_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(envConfigPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// gateway 持有一次进程生命周期内的全部组件。
type gateway struct {
	logger  *logrus.Logger
	store   *cache.Store
	bus     *cache.Bus
	folders *folders.Controller
	dash    *dashboard.Dashboard
	app     *fiber.App
}

func buildGateway(cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	backing, err := buildBacking(cfg.Global)
	if err != nil {
		return nil, err
	}

	catalog, err := cache.DefaultCatalog().WithOverrides(cfg.StaleTimeOverrides())
	if err != nil {
		return nil, fmt.Errorf("应用缓存阈值覆盖失败: %w", err)
	}

	store := cache.NewStore(backing, cache.StoreOptions{
		Namespace: cfg.Global.CacheNamespace,
		Capacity:  cfg.Global.CacheCapacity,
		Logger:    logger,
	})
	bus := cache.NewBus(store, logger)

	client, err := api.NewClient(api.Options{
		BaseURL:        cfg.Global.APIBaseURL,
		Token:          cfg.Global.APIToken,
		Timeout:        cfg.Global.APITimeout.DurationValue(),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("构建 API 客户端失败: %w", err)
	}

	ctrl, err := folders.New(folders.Options{
		API:     client,
		Store:   store,
		Bus:     bus,
		Catalog: &catalog,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	dash, err := dashboard.New(dashboard.Options{
		Source:  client,
		Store:   store,
		Bus:     bus,
		Catalog: &catalog,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Dashboard: dash,
		Folders:   ctrl,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, store, bus, logger)

	return &gateway{
		logger:  logger,
		store:   store,
		bus:     bus,
		folders: ctrl,
		dash:    dash,
		app:     app,
	}, nil
}

// buildBacking 根据 StorageMode 选择持久层；none 模式只保留内存层。
func buildBacking(g config.GlobalConfig) (cache.Backing, error) {
	switch g.StorageMode {
	case config.StorageModeFile:
		backing, err := cache.NewFileBacking(g.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return backing, nil
	case config.StorageModeMemory:
		return cache.NewMemoryBacking(g.StorageQuota), nil
	case config.StorageModeNone:
		return cache.NopBacking{}, nil
	default:
		return nil, fmt.Errorf("不支持的 StorageMode: %s", g.StorageMode)
	}
}

// serve 激活视图并阻塞在 Listen 上，ctx 结束时优雅关闭并卸载全部视图。
func (gw *gateway) serve(ctx context.Context, port int) error {
	gw.folders.Activate(ctx)
	gw.dash.Activate(ctx)
	defer gw.shutdown()

	go func() {
		<-ctx.Done()
		if err := gw.app.Shutdown(); err != nil {
			gw.logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 关闭失败")
		}
	}()

	gw.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := gw.app.Listen(fmt.Sprintf(":%d", port))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (gw *gateway) shutdown() {
	gw.dash.Close()
	gw.folders.Deactivate()
	gw.dash.Wait()
	gw.folders.Resource().Wait()
	gw.bus.Close()
	gw.store.Close()
	gw.logger.WithField("action", "shutdown").Info("缓存视图已卸载")
}
