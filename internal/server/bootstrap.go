package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/wikicache/wikicache/internal/cache"
	"github.com/wikicache/wikicache/internal/config"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/meta"
	"github.com/wikicache/wikicache/internal/offline"
	"github.com/wikicache/wikicache/internal/tasks"
)

// Runtime 聚合进程内共享的存储、元数据库、上游客户端与 Controller 注册表。
type Runtime struct {
	Store     cache.Store
	Meta      *meta.Store
	Client    *http.Client
	Responses *offline.ResponseProvider
	Registry  *ControllerRegistry
}

// Bootstrap 按“blob 目录 → 元数据库 → 上游客户端 → Controller”顺序装配运行时。
// 任一步失败都会释放已打开的资源。
func Bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	metaStore, err := meta.Open(ctx, cfg.Global.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("打开元数据库失败: %w", err)
	}

	rt := &Runtime{Store: store, Meta: metaStore, Client: NewUpstreamClient(cfg)}
	rt.Responses, err = offline.NewResponseProvider(store, metaStore, cfg.Global.MemoryCacheEntries)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	fetcher := fetch.NewHTTPFetcher(rt.Client, cfg.Global.UserAgent)
	rt.Registry, err = NewControllerRegistry(cfg, Dependencies{
		Meta:      metaStore,
		Writer:    cache.NewWriter(store, fetcher, tasks.NewTracker()),
		Fetcher:   fetcher,
		Responses: rt.Responses,
		Logger:    logger,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close 取消进行中的获取并关闭元数据库。
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.Registry.CancelAllTasks()
	if r.Meta != nil {
		return r.Meta.Close()
	}
	return nil
}
