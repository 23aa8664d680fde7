package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/wikicache/wikicache/internal/cache"
	"github.com/wikicache/wikicache/internal/config"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/manifest"
	"github.com/wikicache/wikicache/internal/meta"
	"github.com/wikicache/wikicache/internal/offline"
)

// Dependencies 汇总所有 Controller 共享的组件。
type Dependencies struct {
	Meta      *meta.Store
	Writer    *cache.Writer
	Fetcher   fetch.Fetcher
	Responses *offline.ResponseProvider
	Logger    *logrus.Logger
}

// ControllerRegistry 提供 Controller 名称到实例的查询能力。
type ControllerRegistry struct {
	controllers map[string]*offline.Controller
	ordered     []*offline.Controller
	meta        *meta.Store
}

// NewControllerRegistry 根据配置为每个 [[Controller]] 构建实例。调用方应在启动阶段创建一次并复用。
func NewControllerRegistry(cfg *config.Config, deps Dependencies) (*ControllerRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Meta == nil || deps.Writer == nil {
		return nil, errors.New("metadata store and writer are required")
	}

	registry := &ControllerRegistry{
		controllers: make(map[string]*offline.Controller, len(cfg.Controllers)),
		meta:        deps.Meta,
	}
	for _, ctrl := range cfg.Controllers {
		if _, exists := registry.controllers[ctrl.Name]; exists {
			return nil, fmt.Errorf("duplicate controller name %s", ctrl.Name)
		}
		rt, err := cfg.BuildControllerRuntime(ctrl)
		if err != nil {
			return nil, err
		}
		controller, err := offline.New(offline.Options{
			Name:                 ctrl.Name,
			Kind:                 rt.Kind,
			Meta:                 deps.Meta,
			Writer:               deps.Writer,
			Manifest:             manifest.New(rt.Kind.ManifestKind, deps.Fetcher),
			Responses:            deps.Responses,
			Logger:               deps.Logger,
			MaxConcurrentFetches: rt.MaxConcurrentFetches,
		})
		if err != nil {
			return nil, fmt.Errorf("controller %s: %w", ctrl.Name, err)
		}
		registry.controllers[ctrl.Name] = controller
		registry.ordered = append(registry.ordered, controller)
	}
	return registry, nil
}

// Lookup 按名称查找 Controller。
func (r *ControllerRegistry) Lookup(name string) (*offline.Controller, bool) {
	if r == nil {
		return nil, false
	}
	ctrl, ok := r.controllers[name]
	return ctrl, ok
}

// List 返回按名称排序的 Controller 列表。
func (r *ControllerRegistry) List() []*offline.Controller {
	if r == nil {
		return nil
	}
	result := append([]*offline.Controller(nil), r.ordered...)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// CancelAllTasks 取消所有 Controller 的进行中获取。Controller 共享同一个任务追踪器。
func (r *ControllerRegistry) CancelAllTasks() int {
	if r == nil || len(r.ordered) == 0 {
		return 0
	}
	return r.ordered[0].CancelAllTasks()
}

// Sweep 清理不被任何条目引用的 blob 文件；blob 目录由所有 Controller 共享，扫描一次即可。
func (r *ControllerRegistry) Sweep(ctx context.Context) (int, error) {
	if r == nil || len(r.ordered) == 0 {
		return 0, nil
	}
	return r.ordered[0].Sweep(ctx)
}

// Stats 返回元数据库的计数快照。
func (r *ControllerRegistry) Stats(ctx context.Context) (meta.Stats, error) {
	if r == nil || r.meta == nil {
		return meta.Stats{}, errors.New("metadata store unavailable")
	}
	return r.meta.Stats(ctx)
}
