package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wikicache/wikicache/internal/offline"
)

// AppOptions controls how the Fiber control surface should behave.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *ControllerRegistry
}

const (
	contextKeyRequestID  = "_wikicache_request_id"
	contextKeyController = "_wikicache_controller"
)

// NewApp builds a Fiber application with panic recovery and request-ID
// middleware. Routes are attached afterwards by server/routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("controller registry is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，请求结束后以 debug 级别记录访问日志。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		opts.Logger.WithFields(logrus.Fields{
			"action":     "request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("request_complete")
		return err
	}
}

// ControllerMiddleware 按 :controller 参数解析 Controller 并存入 Locals，未知名称返回 404。
func ControllerMiddleware(registry *ControllerRegistry) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("controller"))
		ctrl, ok := registry.Lookup(name)
		if !ok {
			return RenderError(c, fiber.StatusNotFound, "controller_not_found")
		}
		c.Locals(contextKeyController, ctrl)
		return c.Next()
	}
}

// ControllerFrom 返回 ControllerMiddleware 解析出的 Controller。
func ControllerFrom(c fiber.Ctx) (*offline.Controller, bool) {
	if value := c.Locals(contextKeyController); value != nil {
		if ctrl, ok := value.(*offline.Controller); ok {
			return ctrl, true
		}
	}
	return nil, false
}

// RenderError 输出统一的 JSON 错误体。
func RenderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// RenderNotFound 用作路由表末尾的兜底处理。
func RenderNotFound(c fiber.Ctx) error {
	return RenderError(c, fiber.StatusNotFound, "not_found")
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
