package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/linkdeck/linkdeck/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("LINKDECK_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "linkdeck") {
		t.Fatalf("version 输出应包含 linkdeck 标识")
	}
}

func TestBuildBackingModes(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		name    string
		global  config.GlobalConfig
		want    string
		wantErr bool
	}{
		{"file", config.GlobalConfig{StorageMode: config.StorageModeFile, StoragePath: filepath.Join(dir, "cache")}, "*cache.FileBacking", false},
		{"memory", config.GlobalConfig{StorageMode: config.StorageModeMemory, StorageQuota: 1024}, "*cache.MemoryBacking", false},
		{"none", config.GlobalConfig{StorageMode: config.StorageModeNone}, "cache.NopBacking", false},
		{"unknown", config.GlobalConfig{StorageMode: "redis"}, "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backing, err := buildBacking(tc.global)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for mode %s", tc.global.StorageMode)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildBacking failed: %v", err)
			}
			if got := fmt.Sprintf("%T", backing); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestBuildGatewayServesDiagnostics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StorageMode = "memory"
APIBaseURL = "%s"

[[Resource]]
Key = "folders"
StaleTime = "1m"
`, upstream.URL))
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		t.Fatalf("构建网关失败: %v", err)
	}
	gw.folders.Activate(context.Background())
	gw.dash.Activate(context.Background())
	t.Cleanup(gw.shutdown)

	if got := gw.folders.Resource().StaleTime(); got != time.Minute {
		t.Fatalf("Resource 覆盖项应生效，得到 %v", got)
	}

	resp, err := gw.app.Test(httptest.NewRequest("GET", "/-/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = gw.app.Test(httptest.NewRequest("GET", "/api/folders", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ready"`) {
		t.Fatalf("unexpected folders response: %d %s", resp.StatusCode, body)
	}
}
