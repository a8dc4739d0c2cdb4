package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/linkdeck/linkdeck/internal/dashboard"
	"github.com/linkdeck/linkdeck/internal/folders"
	"github.com/linkdeck/linkdeck/internal/logging"
)

// AppOptions wires the cached views and the folder controller into the gateway.
type AppOptions struct {
	Logger    *logrus.Logger
	Dashboard *dashboard.Dashboard
	Folders   *folders.Controller
	// LoadTimeout bounds how long a GET waits for a first (foreground) load.
	LoadTimeout time.Duration
}

const (
	contextKeyRequestID = "_linkdeck_request_id"
	defaultLoadTimeout  = 10 * time.Second
)

// NewApp builds the Fiber application with request-id, logging and recover
// middlewares, and registers the /api routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Dashboard == nil {
		return nil, errors.New("dashboard is required")
	}
	if opts.Folders == nil {
		return nil, errors.New("folders controller is required")
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(requestContextMiddleware(opts.Logger))
	app.Use(recover.New())

	h := &handlers{
		logger:      opts.Logger,
		dash:        opts.Dashboard,
		folders:     opts.Folders,
		loadTimeout: opts.LoadTimeout,
	}
	h.register(app)

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并在请求结束后输出一行结构化日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		entry := logger.WithFields(logging.RequestFields(c.Method(), c.Path(), status, reqID, time.Since(start)))
		if status >= fiber.StatusInternalServerError {
			entry.Warn("request completed")
		} else {
			entry.Info("request completed")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
