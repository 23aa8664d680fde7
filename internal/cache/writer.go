package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/tasks"
)

// ErrStoreUnavailable 表示 Writer 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Writer 把“回源获取 → 写正文与 sidecar”封装为一个受 Tracker 跟踪的操作。
type Writer struct {
	store   Store
	fetcher fetch.Fetcher
	tracker *tasks.Tracker
	now     func() time.Time
}

// NewWriter 构造 Writer，默认使用 time.Now 作为时钟。
func NewWriter(store Store, fetcher fetch.Fetcher, tracker *tasks.Tracker) *Writer {
	if tracker == nil {
		tracker = tasks.NewTracker()
	}
	return &Writer{
		store:   store,
		fetcher: fetcher,
		tracker: tracker,
		now:     time.Now,
	}
}

// Store 返回底层存储，供读路径复用。
func (w *Writer) Store() Store {
	return w.store
}

// Tracker 返回任务跟踪器。
func (w *Writer) Tracker() *tasks.Tracker {
	return w.tracker
}

// AddResult 汇总一次 Add 的网络响应与落盘结果。
type AddResult struct {
	Response *fetch.Response
	Entry    *Entry
}

// Add 在 groupKey 下跟踪并执行获取，成功后写入正文与 sidecar。
// 文件对已存在时不覆盖（Entry.Existed=true），用于两个分组并发下载同一资源。
func (w *Writer) Add(ctx context.Context, groupKey string, req fetch.Request, id contentkind.Identifier) (*AddResult, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}

	resp, err := w.trackedFetch(ctx, groupKey, req)
	if err != nil {
		return nil, err
	}
	if err := validateResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if resp.NotModified() {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, ErrUnexpectedNotModified)
	}

	entry, err := w.store.Put(ctx, id, resp.Body, w.headerFor(req, resp), PutOptions{ModTime: extractModTime(resp.Header)})
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", id, err)
	}
	return &AddResult{Response: resp, Entry: entry}, nil
}

// Refresh 以 sidecar 中的 ETag / Last-Modified 发起条件请求。
// 304 保留现有文件并返回 false；200 原子替换文件对并返回 true。
func (w *Writer) Refresh(ctx context.Context, groupKey string, req fetch.Request, id contentkind.Identifier) (bool, error) {
	if w.store == nil {
		return false, ErrStoreUnavailable
	}

	conditional := req
	if cached, err := w.store.Get(ctx, id); err == nil {
		for key, values := range cached.Header.RequestHeader {
			if conditional.HeaderValue(key) == "" && len(values) > 0 {
				conditional = conditional.WithHeader(key, values[0])
			}
		}
		if cached.Header.ETag != "" {
			conditional = conditional.WithHeader("If-None-Match", cached.Header.ETag)
		}
		if last := cached.Header.Header.Get("Last-Modified"); last != "" {
			conditional = conditional.WithHeader("If-Modified-Since", last)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	resp, err := w.trackedFetch(ctx, groupKey, conditional)
	if err != nil {
		return false, err
	}
	if resp.NotModified() {
		return false, nil
	}
	if err := validateResponse(resp); err != nil {
		return false, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	opts := PutOptions{Replace: true, ModTime: extractModTime(resp.Header)}
	if _, err := w.store.Put(ctx, id, resp.Body, w.headerFor(req, resp), opts); err != nil {
		return false, fmt.Errorf("replace %s: %w", id, err)
	}
	return true, nil
}

// Remove 删除正文与 sidecar，文件不存在视为成功。
func (w *Writer) Remove(ctx context.Context, id contentkind.Identifier) error {
	if w.store == nil {
		return ErrStoreUnavailable
	}
	return w.store.Remove(ctx, id)
}

// trackedFetch 为本次获取派生可取消 ctx 并登记到 Tracker，结束时总会 Untrack。
func (w *Writer) trackedFetch(ctx context.Context, groupKey string, req fetch.Request) (*fetch.Response, error) {
	if w.fetcher == nil {
		return nil, errors.New("fetcher required")
	}

	taskCtx, cancel := context.WithCancel(ctx)
	token := w.tracker.Track(groupKey, cancel)
	defer func() {
		w.tracker.Untrack(groupKey, token)
		cancel()
	}()

	resp, err := w.fetcher.Fetch(taskCtx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	// 取消可能发生在响应返回之后、写盘之前，此时同样按失败处理。
	if err := taskCtx.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

func (w *Writer) headerFor(req fetch.Request, resp *fetch.Response) Header {
	url := resp.URL
	if url == "" {
		url = req.URL
	}
	return Header{
		URL:           url,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header.Clone(),
		ETag:          resp.ETag(),
		StoredAt:      w.now().UTC(),
		RequestHeader: req.Header.Clone(),
	}
}

func validateResponse(resp *fetch.Response) error {
	if resp == nil || resp.Header == nil || resp.StatusCode == 0 {
		return ErrMissingHTTPMetadata
	}
	return nil
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
