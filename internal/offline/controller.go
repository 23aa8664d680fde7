package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wikicache/wikicache/internal/cache"
	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/logging"
	"github.com/wikicache/wikicache/internal/manifest"
	"github.com/wikicache/wikicache/internal/meta"
)

// DefaultMaxConcurrentFetches 是未配置时每次同步的并发上限。
const DefaultMaxConcurrentFetches = 4

// Options 描述构造 Controller 所需的依赖。Meta、Writer、Kind.Keys 必填。
type Options struct {
	Name                 string
	Kind                 contentkind.Metadata
	Meta                 *meta.Store
	Writer               *cache.Writer
	Manifest             manifest.Provider
	Responses            *ResponseProvider
	Logger               *logrus.Logger
	MaxConcurrentFetches int
}

// Controller 是某一内容类型的离线缓存入口。
type Controller struct {
	name      string
	kind      contentkind.Metadata
	policy    contentkind.VariantPolicy
	meta      *meta.Store
	writer    *cache.Writer
	manifest  manifest.Provider
	responses *ResponseProvider
	logger    *logrus.Logger
	limit     int
	groups    *groupLocks
}

// New 校验依赖并构造 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Meta == nil {
		return nil, errors.New("controller requires a metadata store")
	}
	if opts.Writer == nil || opts.Writer.Store() == nil {
		return nil, errors.New("controller requires a file writer")
	}
	if opts.Kind.Keys == nil {
		return nil, fmt.Errorf("content kind %q has no key generator", opts.Kind.Key)
	}
	name := opts.Name
	if name == "" {
		name = opts.Kind.Key
	}
	responses := opts.Responses
	if responses == nil {
		var err error
		responses, err = NewResponseProvider(opts.Writer.Store(), opts.Meta, 0)
		if err != nil {
			return nil, err
		}
	}
	provider := opts.Manifest
	if provider == nil {
		provider = manifest.Single{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limit := opts.MaxConcurrentFetches
	if limit <= 0 {
		limit = DefaultMaxConcurrentFetches
	}
	return &Controller{
		name:      name,
		kind:      opts.Kind,
		policy:    opts.Kind.VariantPolicyOrDefault(),
		meta:      opts.Meta,
		writer:    opts.Writer,
		manifest:  provider,
		responses: responses,
		logger:    logger,
		limit:     limit,
		groups:    newGroupLocks(),
	}, nil
}

// Name 返回控制器名称。
func (c *Controller) Name() string { return c.name }

// Kind 返回控制器服务的内容类型。
func (c *Controller) Kind() contentkind.Metadata { return c.kind }

// SyncGroup 通过清单能力展开 locator，再把分组同步到得到的资源集合。
// 清单获取同样登记在分组下，可被 CancelTasks 中断。
func (c *Controller) SyncGroup(ctx context.Context, groupKey string, locator fetch.Request) (SyncResult, error) {
	requests, err := c.resources(ctx, groupKey, locator)
	if err != nil {
		c.logger.WithFields(logging.GroupFields("sync", c.name, c.kind.Key, groupKey)).
			WithError(err).Warn("manifest_failed")
		return SyncResult{Group: groupKey}, fmt.Errorf("resolve resources for %s: %w", groupKey, err)
	}
	return c.Sync(ctx, groupKey, requests)
}

func (c *Controller) resources(ctx context.Context, groupKey string, locator fetch.Request) ([]fetch.Request, error) {
	stored := c.storedKey(groupKey)
	taskCtx, cancel := context.WithCancel(ctx)
	tracker := c.writer.Tracker()
	token := tracker.Track(stored, cancel)
	defer func() {
		tracker.Untrack(stored, token)
		cancel()
	}()
	return c.manifest.Resources(taskCtx, locator)
}

// RemoveGroup 取消分组进行中的任务，删除分组并清理因此孤立的资源文件。
// 分组不存在视为成功。
func (c *Controller) RemoveGroup(ctx context.Context, groupKey string) ([]contentkind.Identifier, error) {
	c.CancelTasks(groupKey)

	stored := c.storedKey(groupKey)
	unlock := c.groups.lock(stored)
	defer unlock()
	sweepMu.RLock()
	defer sweepMu.RUnlock()

	fields := logging.GroupFields("remove_group", c.name, c.kind.Key, groupKey)
	orphaned, err := c.meta.RemoveGroup(ctx, stored)
	if errors.Is(err, meta.ErrGroupNotFound) {
		return nil, nil
	}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("remove_group_failed")
		return nil, fmt.Errorf("remove group %s: %w", groupKey, err)
	}

	var (
		removed []contentkind.Identifier
		errs    []error
	)
	for _, id := range orphaned {
		if err := c.releaseBlob(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, id)
	}
	entry := c.logger.WithFields(fields).WithField("removed", len(removed))
	if err := errors.Join(errs...); err != nil {
		entry.WithError(err).Error("remove_group_failed")
		return removed, err
	}
	entry.Info("remove_group_complete")
	return removed, nil
}

// CancelTasks 取消分组下所有进行中的获取，返回取消的数量。
func (c *Controller) CancelTasks(groupKey string) int {
	n := c.writer.Tracker().CancelTasks(c.storedKey(groupKey))
	if n > 0 {
		c.logger.WithFields(logging.GroupFields("cancel", c.name, c.kind.Key, groupKey)).
			WithField("cancelled", n).Info("tasks_cancelled")
	}
	return n
}

// CancelAllTasks 取消进程内所有分组的获取。
func (c *Controller) CancelAllTasks() int {
	return c.writer.Tracker().CancelAllTasks()
}

// Response 返回 req 对应的离线响应。
func (c *Controller) Response(ctx context.Context, req fetch.Request) (*CachedResponse, bool) {
	resp, ok := c.responses.Lookup(ctx, c.kind.Keys, c.policy, req)
	c.logger.WithFields(logging.ResponseFields(c.name, c.kind.Key, req.URL, ok, ok && resp.FromMemory)).Debug("response")
	return resp, ok
}

// Revalidate 以存储的 ETag / Last-Modified 对分组内已下载的资源发起条件请求，
// 未变化的资源仅刷新 date，变化的资源原子替换。
func (c *Controller) Revalidate(ctx context.Context, groupKey string) (SyncResult, error) {
	stored := c.storedKey(groupKey)
	unlock := c.groups.lock(stored)
	defer unlock()
	sweepMu.RLock()
	defer sweepMu.RUnlock()

	result := SyncResult{Group: groupKey}
	fields := logging.GroupFields("revalidate", c.name, c.kind.Key, groupKey)
	items, err := c.meta.GroupItems(ctx, stored)
	if err != nil {
		return result, fmt.Errorf("list group %s: %w", groupKey, err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.limit)
	for _, item := range items {
		if !item.IsDownloaded || item.URL == "" {
			continue
		}
		g.Go(func() error {
			req := fetch.NewRequest(item.URL)
			replaced, err := c.writer.Refresh(ctx, stored, req, item.ID)
			if err == nil && !replaced {
				err = c.meta.Touch(ctx, item.ID)
			} else if err == nil {
				err = c.meta.MarkDownloaded(ctx, stored, item.ID, item.URL)
			}
			if replaced {
				c.responses.Forget(item.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.fail(item.ID, item.URL, err)
			case replaced:
				result.Refreshed = append(result.Refreshed, item.ID)
			default:
				result.Unchanged = append(result.Unchanged, item.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.sort()
	return result, c.finish(fields, "revalidate", result)
}

// Sweep 删除没有任何条目行引用的 blob 文件对，返回删除数量。
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	sweepMu.Lock()
	defer sweepMu.Unlock()

	store := c.writer.Store()
	names, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}
	known, err := c.meta.KnownFileNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}

	removed := 0
	var errs []error
	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}
		if err := store.RemoveFile(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.responses.Purge()
	}
	c.logger.WithFields(logrus.Fields{"action": "sweep", "controller": c.name, "removed": removed}).Info("sweep_complete")
	return removed, errors.Join(errs...)
}

// storedKey 返回分组在共享元数据库与任务追踪器中的键。
// 各 Controller 共用同一份元数据库，分组键按 Controller 名称划分命名空间。
func (c *Controller) storedKey(groupKey string) string {
	return c.name + "/" + groupKey
}

// releaseBlob 删除孤立条目的文件对；删除前在条目锁内复查元数据，
// 若期间已有分组重新需要该资源则保留文件。
func (c *Controller) releaseBlob(ctx context.Context, id contentkind.Identifier) error {
	_, err := c.writer.Store().RemoveIf(ctx, id, func() (bool, error) {
		return c.meta.ItemExists(ctx, id)
	})
	c.responses.Forget(id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}
