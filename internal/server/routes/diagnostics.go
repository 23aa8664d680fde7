package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/server"
)

type kindPayload struct {
	Key          string `json:"key"`
	Description  string `json:"description"`
	ManifestKind string `json:"manifest_kind"`
}

type controllerPayload struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// RegisterDiagnosticRoutes 暴露 /-/kinds、/-/stats、/-/sweep 与 /-/tasks/cancel。
// 必须先于 RegisterControlRoutes 注册，避免被 /-/:controller 前缀截获。
func RegisterDiagnosticRoutes(app *fiber.App, registry *server.ControllerRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/kinds", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"kinds":       encodeKinds(contentkind.List()),
			"controllers": encodeControllers(registry),
		})
	})

	app.Get("/-/stats", func(c fiber.Ctx) error {
		stats, err := registry.Stats(c.Context())
		if err != nil {
			return server.RenderError(c, fiber.StatusInternalServerError, "stats_unavailable")
		}
		return c.JSON(fiber.Map{
			"groups":     stats.Groups,
			"items":      stats.Items,
			"downloaded": stats.Downloaded,
		})
	})

	app.Post("/-/sweep", func(c fiber.Ctx) error {
		removed, err := registry.Sweep(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"removed": removed,
				"error":   err.Error(),
			})
		}
		return c.JSON(fiber.Map{"removed": removed})
	})

	app.Post("/-/tasks/cancel", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"cancelled": registry.CancelAllTasks()})
	})
}

// Register 按顺序挂载全部路由，并在末尾追加 404 兜底。
func Register(app *fiber.App, registry *server.ControllerRegistry) {
	RegisterDiagnosticRoutes(app, registry)
	RegisterControlRoutes(app, registry)
	if app != nil {
		app.Use(server.RenderNotFound)
	}
}

func encodeKinds(kinds []contentkind.Metadata) []kindPayload {
	if len(kinds) == 0 {
		return nil
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i].Key < kinds[j].Key
	})
	result := make([]kindPayload, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, kindPayload{
			Key:          kind.Key,
			Description:  kind.Description,
			ManifestKind: string(kind.ManifestKind),
		})
	}
	return result
}

func encodeControllers(registry *server.ControllerRegistry) []controllerPayload {
	list := registry.List()
	if len(list) == 0 {
		return nil
	}
	result := make([]controllerPayload, 0, len(list))
	for _, ctrl := range list {
		result = append(result, controllerPayload{Name: ctrl.Name(), Kind: ctrl.Kind().Key})
	}
	return result
}
