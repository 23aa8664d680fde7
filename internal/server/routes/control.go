package routes

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/meta"
	"github.com/wikicache/wikicache/internal/offline"
	"github.com/wikicache/wikicache/internal/server"
)

// syncRequest 是 sync 接口的请求体：url 为分组定位地址，resources 非空时跳过清单展开。
type syncRequest struct {
	URL            string   `json:"url"`
	Resources      []string `json:"resources"`
	AcceptLanguage string   `json:"accept_language"`
}

type syncResponse struct {
	Result offline.SyncResult `json:"result"`
	Error  string             `json:"error,omitempty"`
}

// RegisterControlRoutes 暴露 /-/:controller 下的分组同步、删除、取消与离线读取接口。
func RegisterControlRoutes(app *fiber.App, registry *server.ControllerRegistry) {
	if app == nil || registry == nil {
		return
	}

	resolve := server.ControllerMiddleware(registry)
	app.Post("/-/:controller/groups/:group/sync", resolve, handleSync)
	app.Post("/-/:controller/groups/:group/revalidate", resolve, handleRevalidate)
	app.Post("/-/:controller/groups/:group/cancel", resolve, handleCancel)
	app.Delete("/-/:controller/groups/:group", resolve, handleRemoveGroup)
	app.Get("/-/:controller/response", resolve, handleResponse)
}

func handleSync(c fiber.Ctx) error {
	ctrl, groupKey, ok := controllerAndGroup(c)
	if !ok {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_group")
	}
	var body syncRequest
	if len(c.Body()) > 0 {
		if err := c.App().Config().JSONDecoder(c.Body(), &body); err != nil {
			return server.RenderError(c, fiber.StatusBadRequest, "invalid_body")
		}
	}
	lang := firstNonEmpty(body.AcceptLanguage, c.Get(fiber.HeaderAcceptLanguage))

	var (
		result offline.SyncResult
		err    error
	)
	switch {
	case len(body.Resources) > 0:
		requests := make([]fetch.Request, 0, len(body.Resources))
		for _, raw := range body.Resources {
			requests = append(requests, withLanguage(fetch.NewRequest(raw), lang))
		}
		result, err = ctrl.Sync(c.Context(), groupKey, requests)
	case strings.TrimSpace(body.URL) != "":
		result, err = ctrl.SyncGroup(c.Context(), groupKey, withLanguage(fetch.NewRequest(body.URL), lang))
	default:
		return server.RenderError(c, fiber.StatusBadRequest, "url_required")
	}
	return renderResult(c, result, err)
}

func handleRevalidate(c fiber.Ctx) error {
	ctrl, groupKey, ok := controllerAndGroup(c)
	if !ok {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_group")
	}
	result, err := ctrl.Revalidate(c.Context(), groupKey)
	return renderResult(c, result, err)
}

func handleCancel(c fiber.Ctx) error {
	ctrl, groupKey, ok := controllerAndGroup(c)
	if !ok {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_group")
	}
	return c.JSON(fiber.Map{"group": groupKey, "cancelled": ctrl.CancelTasks(groupKey)})
}

func handleRemoveGroup(c fiber.Ctx) error {
	ctrl, groupKey, ok := controllerAndGroup(c)
	if !ok {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_group")
	}
	removed, err := ctrl.RemoveGroup(c.Context(), groupKey)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"group":   groupKey,
			"removed": removed,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"group": groupKey, "removed": removed})
}

func handleResponse(c fiber.Ctx) error {
	ctrl, ok := server.ControllerFrom(c)
	if !ok {
		return server.RenderNotFound(c)
	}
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		return server.RenderError(c, fiber.StatusBadRequest, "url_required")
	}
	req := withLanguage(fetch.NewRequest(raw), c.Get(fiber.HeaderAcceptLanguage))
	resp, ok := ctrl.Response(c.Context(), req)
	if !ok {
		c.Set("X-Offline-Cache-Hit", "false")
		return server.RenderError(c, fiber.StatusNotFound, "not_cached")
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	for key, values := range header {
		// 正文已完整读入，长度由 fiber 重新计算
		if strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Offline-Cache-Hit", "true")
	c.Set("X-Offline-Item", resp.ID.String())
	if resp.FromMemory {
		c.Set("X-Offline-Memory-Hit", "true")
	}
	return c.Status(resp.StatusCode).Send(resp.Body)
}

func controllerAndGroup(c fiber.Ctx) (*offline.Controller, string, bool) {
	ctrl, ok := server.ControllerFrom(c)
	if !ok {
		return nil, "", false
	}
	groupKey, err := url.PathUnescape(c.Params("group"))
	if err != nil || strings.TrimSpace(groupKey) == "" {
		return nil, "", false
	}
	return ctrl, groupKey, true
}

// renderResult 把同步结果映射为状态码：全部成功 200，部分失败 207，
// 分组不存在 404，其余整体失败 502。
func renderResult(c fiber.Ctx, result offline.SyncResult, err error) error {
	if err == nil {
		return c.JSON(syncResponse{Result: result})
	}
	status := fiber.StatusBadGateway
	switch {
	case errors.Is(err, offline.ErrPartialSync):
		status = fiber.StatusMultiStatus
	case errors.Is(err, meta.ErrGroupNotFound):
		status = fiber.StatusNotFound
	}
	return c.Status(status).JSON(syncResponse{Result: result, Error: err.Error()})
}

func withLanguage(req fetch.Request, lang string) fetch.Request {
	if lang = strings.TrimSpace(lang); lang == "" {
		return req
	}
	return req.WithHeader("Accept-Language", lang)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
