package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/logging"
	"github.com/wikicache/wikicache/internal/meta"
)

// ErrPartialSync 表示同步中至少一个资源失败，其余成功的操作已生效。
var ErrPartialSync = errors.New("offline sync partially failed")

// ItemFailure 记录单个资源失败的原因。
type ItemFailure struct {
	ID      contentkind.Identifier `json:"id"`
	URL     string                 `json:"url,omitempty"`
	Message string                 `json:"error"`
	Err     error                  `json:"-"`
}

// SyncResult 汇总一次同步（或重新验证）中每类操作涉及的资源。
type SyncResult struct {
	Group     string                   `json:"group"`
	Added     []contentkind.Identifier `json:"added,omitempty"`
	Linked    []contentkind.Identifier `json:"linked,omitempty"`
	Removed   []contentkind.Identifier `json:"removed,omitempty"`
	Unlinked  []contentkind.Identifier `json:"unlinked,omitempty"`
	Refreshed []contentkind.Identifier `json:"refreshed,omitempty"`
	Unchanged []contentkind.Identifier `json:"unchanged,omitempty"`
	// Skipped 是无法生成逻辑键的请求地址。
	Skipped []string      `json:"skipped,omitempty"`
	Failed  []ItemFailure `json:"failed,omitempty"`
}

func (r *SyncResult) fail(id contentkind.Identifier, url string, err error) {
	r.Failed = append(r.Failed, ItemFailure{ID: id, URL: url, Message: err.Error(), Err: err})
}

// sort 让并发阶段产生的列表顺序稳定，便于日志与测试比较。
func (r *SyncResult) sort() {
	for _, ids := range [][]contentkind.Identifier{r.Added, r.Linked, r.Removed, r.Unlinked, r.Refreshed, r.Unchanged} {
		sortIdentifiers(ids)
	}
	sort.SliceStable(r.Failed, func(i, j int) bool {
		return r.Failed[i].ID.String() < r.Failed[j].ID.String()
	})
}

func sortIdentifiers(ids []contentkind.Identifier) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// SyncError 携带部分失败的同步结果；errors.Is(err, ErrPartialSync) 成立，
// 同时可用 errors.Is / errors.As 检查首个资源错误。
type SyncError struct {
	Err    error
	Result SyncResult
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync group %s: %d item(s) failed: %v", e.Result.Group, len(e.Result.Failed), e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrPartialSync, e.Err}
}

// Sync 把分组同步到 requests 描述的资源集合。
//
// 元数据差异在单个事务中计算，随后下载阶段与删除阶段在 errgroup 中并发执行，
// 并发数受 MaxConcurrentFetches 限制。单个资源失败不会中断其他资源，也不会回滚已成功的操作。
func (c *Controller) Sync(ctx context.Context, groupKey string, requests []fetch.Request) (SyncResult, error) {
	result := SyncResult{Group: groupKey}
	if groupKey == "" {
		return result, errors.New("group key required")
	}

	stored := c.storedKey(groupKey)
	unlock := c.groups.lock(stored)
	defer unlock()
	sweepMu.RLock()
	defer sweepMu.RUnlock()

	fields := logging.GroupFields("sync", c.name, c.kind.Key, groupKey)
	desired := make([]meta.Desired, 0, len(requests))
	for _, req := range requests {
		id, ok := contentkind.Resolve(c.kind.Keys, req)
		if !ok {
			result.Skipped = append(result.Skipped, req.URL)
			continue
		}
		desired = append(desired, meta.Desired{ID: id, Request: req})
	}

	diff, err := c.meta.ComputeDiff(ctx, stored, desired, c.policy)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("sync_failed")
		return result, fmt.Errorf("compute diff for %s: %w", groupKey, err)
	}
	result.Linked = append(result.Linked, diff.Linked...)
	result.Unlinked = append(result.Unlinked, diff.Unlinked...)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.limit)

	for _, want := range diff.Add {
		g.Go(func() error {
			err := c.addItem(ctx, groupKey, stored, want)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.fail(want.ID, want.Request.URL, err)
				return nil
			}
			result.Added = append(result.Added, want.ID)
			return nil
		})
	}
	for _, id := range diff.Remove {
		g.Go(func() error {
			err := c.removeItem(ctx, groupKey, stored, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.fail(id, "", err)
				return nil
			}
			result.Removed = append(result.Removed, id)
			return nil
		})
	}
	_ = g.Wait()

	result.sort()
	return result, c.finish(fields, "sync", result)
}

// addItem 与 removeItem 中 groupKey 用于日志，stored 用于元数据与任务追踪。
func (c *Controller) addItem(ctx context.Context, groupKey, stored string, want meta.Desired) error {
	res, err := c.writer.Add(ctx, stored, want.Request, want.ID)
	if err != nil {
		c.logger.WithFields(logging.ItemFields("add", c.name, groupKey, want.ID.String(), want.Request.URL)).
			WithError(err).Warn("item_add_failed")
		return err
	}
	if err := c.meta.MarkDownloaded(ctx, stored, want.ID, want.Request.URL); err != nil {
		return fmt.Errorf("record %s: %w", want.ID, err)
	}
	if resp := responseFromAdd(want.ID, want.Request, res, res.Entry.ModTime); resp != nil {
		c.responses.Remember(resp)
	} else {
		c.responses.Forget(want.ID)
	}
	return nil
}

// removeItem 先解除元数据关联（必要时删除条目行），再删除已无引用的文件对。
func (c *Controller) removeItem(ctx context.Context, groupKey, stored string, id contentkind.Identifier) error {
	orphaned, err := c.meta.RemoveItem(ctx, stored, id)
	if errors.Is(err, meta.ErrItemNotFound) {
		orphaned, err = true, nil
	}
	if err != nil {
		c.logger.WithFields(logging.ItemFields("remove", c.name, groupKey, id.String(), "")).
			WithError(err).Warn("item_remove_failed")
		return err
	}
	if !orphaned {
		return nil
	}
	return c.releaseBlob(ctx, id)
}

func (c *Controller) finish(fields logrus.Fields, action string, result SyncResult) error {
	entry := c.logger.WithFields(fields).WithFields(logrus.Fields{
		"added":     len(result.Added),
		"linked":    len(result.Linked),
		"removed":   len(result.Removed),
		"unlinked":  len(result.Unlinked),
		"refreshed": len(result.Refreshed),
		"skipped":   len(result.Skipped),
		"failed":    len(result.Failed),
	})
	if len(result.Failed) == 0 {
		entry.Info(action + "_complete")
		return nil
	}
	first := result.Failed[0].Err
	entry.WithError(first).Warn(action + "_failed")
	return &SyncError{Err: first, Result: result}
}
