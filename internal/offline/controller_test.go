package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wikicache/wikicache/internal/cache"
	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/manifest"
	"github.com/wikicache/wikicache/internal/meta"
	"github.com/wikicache/wikicache/internal/tasks"
)

// pathKeys 以路径为逻辑键、查询参数 w 为变体，变体数值越大越能满足小尺寸请求。
type pathKeys struct{}

func (pathKeys) ItemKey(req fetch.Request) (string, bool) {
	u, err := req.Parsed()
	if err != nil {
		return "", false
	}
	return u.Path, true
}

func (pathKeys) Variant(req fetch.Request) string {
	u, err := req.Parsed()
	if err != nil {
		return ""
	}
	return u.Query().Get("w")
}

var testKind = contentkind.Metadata{
	Key:  "test",
	Keys: pathKeys{},
	Policy: contentkind.VariantPolicyFunc(func(requested, candidate string) bool {
		return candidate == requested || candidate == "" || (len(candidate) == len(requested) && candidate > requested)
	}),
}

type stubUpstream struct {
	*httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	status  map[string]int
	version map[string]int
}

func newStubUpstream(t *testing.T) *stubUpstream {
	t.Helper()
	up := &stubUpstream{hits: map[string]int{}, status: map[string]int{}, version: map[string]int{}}
	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.mu.Lock()
		up.hits[r.URL.Path]++
		status := up.status[r.URL.Path]
		version := up.version[r.URL.Path] + 1
		up.mu.Unlock()

		if status != 0 {
			http.Error(w, "upstream failure", status)
			return
		}
		etag := fmt.Sprintf(`"%s-v%d"`, r.URL.Path, version)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "body of %s v%d", r.URL.Path, version)
	}))
	t.Cleanup(up.Close)
	return up
}

func (u *stubUpstream) url(path string) fetch.Request {
	return fetch.NewRequest(u.URL + path)
}

func (u *stubUpstream) hitCount(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *stubUpstream) setStatus(path string, status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status[path] = status
}

func (u *stubUpstream) bump(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.version[path]++
}

type harness struct {
	ctrl  *Controller
	store cache.Store
	meta  *meta.Store
}

func newHarness(t *testing.T, fetcher fetch.Fetcher, provider manifest.Provider) *harness {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	metaStore, err := meta.Open(context.Background(), meta.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })
	responses, err := NewResponseProvider(store, metaStore, 16)
	require.NoError(t, err)

	ctrl, err := New(Options{
		Name:                 "test",
		Kind:                 testKind,
		Meta:                 metaStore,
		Writer:               cache.NewWriter(store, fetcher, tasks.NewTracker()),
		Manifest:             provider,
		Responses:            responses,
		MaxConcurrentFetches: 4,
	})
	require.NoError(t, err)
	return &harness{ctrl: ctrl, store: store, meta: metaStore}
}

func (h *harness) requireBlob(t *testing.T, key string, present bool) {
	t.Helper()
	_, err := h.store.Get(context.Background(), contentkind.Identifier{ItemKey: key})
	if present {
		require.NoError(t, err, "blob %s should exist", key)
		return
	}
	require.ErrorIs(t, err, cache.ErrNotFound, "blob %s should be gone", key)
}

func (h *harness) refs(t *testing.T, key string) int {
	t.Helper()
	n, err := h.meta.ReferenceCount(context.Background(), contentkind.Identifier{ItemKey: key})
	require.NoError(t, err)
	return n
}

func ids(keys ...string) []contentkind.Identifier {
	out := make([]contentkind.Identifier, len(keys))
	for i, key := range keys {
		out[i] = contentkind.Identifier{ItemKey: key}
	}
	return out
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Options{Kind: testKind})
	require.Error(t, err)

	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	metaStore, err := meta.Open(context.Background(), meta.MemoryPath)
	require.NoError(t, err)
	defer metaStore.Close()

	_, err = New(Options{Meta: metaStore, Writer: cache.NewWriter(store, nil, nil), Kind: contentkind.Metadata{Key: "bare"}})
	require.Error(t, err)

	ctrl, err := New(Options{Meta: metaStore, Writer: cache.NewWriter(store, nil, nil), Kind: testKind})
	require.NoError(t, err)
	require.Equal(t, "test", ctrl.Name())
	require.Equal(t, DefaultMaxConcurrentFetches, ctrl.limit)
}

func TestSyncSharedResourcesLifecycle(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	resA, err := h.ctrl.Sync(ctx, "lifecycle-A", []fetch.Request{up.url("/r1"), up.url("/r2")})
	require.NoError(t, err)
	require.Equal(t, ids("/r1", "/r2"), resA.Added)
	h.requireBlob(t, "/r1", true)
	h.requireBlob(t, "/r2", true)

	// B 复用 A 已下载的 r1，不再回源
	resB, err := h.ctrl.Sync(ctx, "lifecycle-B", []fetch.Request{up.url("/r1"), up.url("/r3")})
	require.NoError(t, err)
	require.Equal(t, ids("/r1"), resB.Linked)
	require.Equal(t, ids("/r3"), resB.Added)
	require.Equal(t, 1, up.hitCount("/r1"))
	require.Equal(t, 2, h.refs(t, "/r1"))

	resA2, err := h.ctrl.Sync(ctx, "lifecycle-A", nil)
	require.NoError(t, err)
	require.Equal(t, ids("/r1"), resA2.Unlinked)
	require.Equal(t, ids("/r2"), resA2.Removed)
	h.requireBlob(t, "/r1", true)
	h.requireBlob(t, "/r2", false)
	require.Equal(t, 1, h.refs(t, "/r1"))

	removed, err := h.ctrl.RemoveGroup(ctx, "lifecycle-B")
	require.NoError(t, err)
	require.ElementsMatch(t, ids("/r1", "/r3"), removed)
	h.requireBlob(t, "/r1", false)
	h.requireBlob(t, "/r3", false)

	exists, err := h.meta.ItemExists(ctx, contentkind.Identifier{ItemKey: "/r1"})
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSyncReplacesDesiredSet(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	_, err := h.ctrl.Sync(ctx, "replace", []fetch.Request{up.url("/r1"), up.url("/r2")})
	require.NoError(t, err)

	res, err := h.ctrl.Sync(ctx, "replace", []fetch.Request{up.url("/r2"), up.url("/r3")})
	require.NoError(t, err)
	require.Equal(t, ids("/r3"), res.Added)
	require.Equal(t, ids("/r1"), res.Removed)
	require.Empty(t, res.Linked)
	require.Empty(t, res.Unlinked)

	require.Equal(t, 1, up.hitCount("/r2"))
	require.Equal(t, 1, up.hitCount("/r3"))
	h.requireBlob(t, "/r1", false)
	h.requireBlob(t, "/r2", true)
	h.requireBlob(t, "/r3", true)

	item, err := h.meta.Item(ctx, contentkind.Identifier{ItemKey: "/r2"})
	require.NoError(t, err)
	require.True(t, item.IsDownloaded)
	require.Equal(t, 1, item.References)

	exists, err := h.meta.ItemExists(ctx, contentkind.Identifier{ItemKey: "/r1"})
	require.NoError(t, err)
	require.False(t, exists)
}

func TestControllersWithSameGroupKeyAreIsolated(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	images, err := New(Options{
		Name:      "images",
		Kind:      testKind,
		Meta:      h.meta,
		Writer:    h.ctrl.writer,
		Responses: h.ctrl.responses,
	})
	require.NoError(t, err)

	_, err = h.ctrl.Sync(ctx, "Foo", []fetch.Request{up.url("/article.html")})
	require.NoError(t, err)

	res, err := images.Sync(ctx, "Foo", []fetch.Request{up.url("/pic.jpg")})
	require.NoError(t, err)
	require.Equal(t, ids("/pic.jpg"), res.Added)
	require.Empty(t, res.Removed)
	require.Empty(t, res.Unlinked)

	h.requireBlob(t, "/article.html", true)
	_, ok := h.ctrl.Response(ctx, up.url("/article.html"))
	require.True(t, ok)

	// 删除另一个 Controller 的同名分组不影响本 Controller
	removed, err := images.RemoveGroup(ctx, "Foo")
	require.NoError(t, err)
	require.Equal(t, ids("/pic.jpg"), removed)
	h.requireBlob(t, "/article.html", true)
	h.requireBlob(t, "/pic.jpg", false)

	again, err := h.ctrl.Sync(ctx, "Foo", []fetch.Request{up.url("/article.html")})
	require.NoError(t, err)
	require.Empty(t, again.Added)
	require.Equal(t, 1, up.hitCount("/article.html"))
}

func TestSyncIsIdempotent(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()
	requests := []fetch.Request{up.url("/r1"), up.url("/r2")}

	_, err := h.ctrl.Sync(ctx, "idempotent", requests)
	require.NoError(t, err)
	again, err := h.ctrl.Sync(ctx, "idempotent", requests)
	require.NoError(t, err)
	require.Empty(t, again.Added)
	require.Empty(t, again.Removed)
	require.Equal(t, 1, up.hitCount("/r1"))
	require.Equal(t, 1, up.hitCount("/r2"))
}

func TestRemoveGroupIsIdempotent(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	_, err := h.ctrl.Sync(ctx, "remove-twice", []fetch.Request{up.url("/r1")})
	require.NoError(t, err)
	_, err = h.ctrl.RemoveGroup(ctx, "remove-twice")
	require.NoError(t, err)
	removed, err := h.ctrl.RemoveGroup(ctx, "remove-twice")
	require.NoError(t, err)
	require.Empty(t, removed)
	_, err = h.ctrl.RemoveGroup(ctx, "never-existed")
	require.NoError(t, err)
}

func TestSyncDeduplicatesRequests(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)

	res, err := h.ctrl.Sync(context.Background(), "dedup", []fetch.Request{up.url("/r1"), up.url("/r1"), up.url("/r1#frag")})
	require.NoError(t, err)
	require.Equal(t, ids("/r1"), res.Added)
	require.Equal(t, 1, up.hitCount("/r1"))
}

func TestSyncSkipsUnparsableRequests(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)

	res, err := h.ctrl.Sync(context.Background(), "skip", []fetch.Request{fetch.NewRequest("not a url"), up.url("/r1")})
	require.NoError(t, err)
	require.Equal(t, []string{"not a url"}, res.Skipped)
	require.Equal(t, ids("/r1"), res.Added)
}

func TestSyncPartialFailure(t *testing.T) {
	up := newStubUpstream(t)
	up.setStatus("/r2", http.StatusInternalServerError)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()
	requests := []fetch.Request{up.url("/r1"), up.url("/r2")}

	res, err := h.ctrl.Sync(ctx, "partial", requests)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPartialSync)
	var statusErr *fetch.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, res.Added, syncErr.Result.Added)

	require.Equal(t, ids("/r1"), res.Added)
	require.Len(t, res.Failed, 1)
	require.Equal(t, "/r2", res.Failed[0].ID.ItemKey)
	h.requireBlob(t, "/r1", true)
	h.requireBlob(t, "/r2", false)

	item, err := h.meta.Item(ctx, contentkind.Identifier{ItemKey: "/r2"})
	require.NoError(t, err)
	require.False(t, item.IsDownloaded)

	// 上游恢复后重新同步，只补齐失败的资源
	up.setStatus("/r2", 0)
	res, err = h.ctrl.Sync(ctx, "partial", requests)
	require.NoError(t, err)
	require.Equal(t, ids("/r2"), res.Added)
	require.Equal(t, 1, up.hitCount("/r1"))
}

func TestResponseRoundTrip(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	_, ok := h.ctrl.Response(ctx, up.url("/r1"))
	require.False(t, ok)

	_, err := h.ctrl.Sync(ctx, "roundtrip", []fetch.Request{up.url("/r1")})
	require.NoError(t, err)

	resp, ok := h.ctrl.Response(ctx, up.url("/r1"))
	require.True(t, ok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "body of /r1 v1", string(resp.Body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, `"/r1-v1"`, resp.Header.Get("ETag"))

	// 清空内存层后仍能从磁盘读取
	h.ctrl.responses.Purge()
	resp, ok = h.ctrl.Response(ctx, up.url("/r1"))
	require.True(t, ok)
	require.False(t, resp.FromMemory)
	require.Equal(t, "body of /r1 v1", string(resp.Body))

	resp, ok = h.ctrl.Response(ctx, up.url("/r1"))
	require.True(t, ok)
	require.True(t, resp.FromMemory)

	_, err = h.ctrl.RemoveGroup(ctx, "roundtrip")
	require.NoError(t, err)
	_, ok = h.ctrl.Response(ctx, up.url("/r1"))
	require.False(t, ok)
}

func TestResponseFallsBackToSatisfyingVariant(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	_, err := h.ctrl.Sync(ctx, "variant-A", []fetch.Request{up.url("/img?w=640")})
	require.NoError(t, err)

	// 已有 640 满足 320 的请求：同步时仅建立关联，读取时回退到 640
	res, err := h.ctrl.Sync(ctx, "variant-B", []fetch.Request{up.url("/img?w=320")})
	require.NoError(t, err)
	require.Empty(t, res.Added)
	require.Equal(t, []contentkind.Identifier{{ItemKey: "/img", Variant: "640"}}, res.Linked)
	require.Equal(t, 1, up.hitCount("/img"))

	resp, ok := h.ctrl.Response(ctx, up.url("/img?w=320"))
	require.True(t, ok)
	require.Equal(t, "640", resp.ID.Variant)

	_, ok = h.ctrl.Response(ctx, up.url("/img?w=800"))
	require.False(t, ok)
}

func TestCancelMidSyncLeavesUnfetchedPending(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			once.Do(func() { close(started) })
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Header().Set("ETag", `"fast"`)
		_, _ = w.Write([]byte("fast"))
	}))
	defer slow.Close()

	h := newHarness(t, fetch.NewHTTPFetcher(slow.Client(), ""), nil)
	ctx := context.Background()
	group := "cancel-mid-sync"

	type outcome struct {
		res SyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.ctrl.Sync(ctx, group, []fetch.Request{
			fetch.NewRequest(slow.URL + "/fast"),
			fetch.NewRequest(slow.URL + "/slow"),
		})
		done <- outcome{res, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow fetch never started")
	}
	require.GreaterOrEqual(t, h.ctrl.CancelTasks(group), 1)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not return after cancel")
	}
	require.ErrorIs(t, out.err, ErrPartialSync)
	require.ErrorIs(t, out.err, context.Canceled)
	var failedKeys []string
	for _, failure := range out.res.Failed {
		failedKeys = append(failedKeys, failure.ID.ItemKey)
	}
	require.Contains(t, failedKeys, "/slow")

	items, err := h.meta.GroupItems(ctx, h.ctrl.storedKey(group))
	require.NoError(t, err)
	for _, item := range items {
		if item.ID.ItemKey == "/slow" {
			require.False(t, item.IsDownloaded, "cancelled resource must not be marked downloaded")
			continue
		}
		if item.IsDownloaded {
			h.requireBlob(t, item.ID.ItemKey, true)
		}
	}
	h.requireBlob(t, "/slow", false)
	require.Equal(t, 0, tasks.NewTracker().Count(h.ctrl.storedKey(group)))
}

func TestSyncGroupUsesManifest(t *testing.T) {
	up := newStubUpstream(t)
	provider := manifest.ProviderFunc(func(_ context.Context, locator fetch.Request) ([]fetch.Request, error) {
		return []fetch.Request{locator, up.url("/style.css")}, nil
	})
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), provider)

	res, err := h.ctrl.SyncGroup(context.Background(), "manifest", up.url("/page"))
	require.NoError(t, err)
	require.Equal(t, ids("/page", "/style.css"), res.Added)

	failing := manifest.ProviderFunc(func(context.Context, fetch.Request) ([]fetch.Request, error) {
		return nil, errors.New("no manifest")
	})
	h2 := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), failing)
	_, err = h2.ctrl.SyncGroup(context.Background(), "manifest-fail", up.url("/page"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPartialSync)
}

func TestRevalidate(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	_, err := h.ctrl.Sync(ctx, "revalidate", []fetch.Request{up.url("/r1"), up.url("/r2")})
	require.NoError(t, err)

	res, err := h.ctrl.Revalidate(ctx, "revalidate")
	require.NoError(t, err)
	require.Equal(t, ids("/r1", "/r2"), res.Unchanged)
	require.Empty(t, res.Refreshed)

	up.bump("/r2")
	res, err = h.ctrl.Revalidate(ctx, "revalidate")
	require.NoError(t, err)
	require.Equal(t, ids("/r2"), res.Refreshed)

	resp, ok := h.ctrl.Response(ctx, up.url("/r2"))
	require.True(t, ok)
	require.Equal(t, "body of /r2 v2", string(resp.Body))

	_, err = h.ctrl.Revalidate(ctx, "missing-group")
	require.ErrorIs(t, err, meta.ErrGroupNotFound)
}

func TestSweepRemovesOrphanBlobs(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	_, err := h.ctrl.Sync(ctx, "sweep", []fetch.Request{up.url("/r1")})
	require.NoError(t, err)
	orphan := contentkind.Identifier{ItemKey: "/orphan"}
	_, err = h.store.Put(ctx, orphan, []byte("stale"), cache.Header{StatusCode: http.StatusOK, Header: http.Header{}}, cache.PutOptions{})
	require.NoError(t, err)

	removed, err := h.ctrl.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	h.requireBlob(t, "/orphan", false)
	h.requireBlob(t, "/r1", true)
}

func TestConcurrentSyncsOfSameGroupAreSerialised(t *testing.T) {
	up := newStubUpstream(t)
	h := newHarness(t, fetch.NewHTTPFetcher(up.Client(), ""), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.Sync(ctx, "serial", []fetch.Request{up.url("/r1"), up.url("/r2")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, up.hitCount("/r1"))
	require.Equal(t, 1, up.hitCount("/r2"))
	require.Equal(t, 1, h.refs(t, "/r1"))
}
