package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wikicache/wikicache/internal/contentkind"
)

var testID = contentkind.Identifier{ItemKey: "en.wikipedia.org/wiki/Dog", Variant: "zh-hans"}

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)

	modTime := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	header := Header{
		URL:        "https://en.wikipedia.org/wiki/Dog",
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"abc"`}, "Content-Type": []string{"text/html"}},
		ETag:       `"abc"`,
	}
	entry, err := store.Put(context.Background(), testID, []byte("payload"), header, PutOptions{ModTime: modTime})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.Existed {
		t.Fatalf("first put must not report existing")
	}
	if filepath.Base(entry.FilePath) != testID.FileName() {
		t.Fatalf("blob should be named by FileName, got %s", entry.FilePath)
	}
	if filepath.Base(entry.HeaderPath) != testID.HeaderFileName() {
		t.Fatalf("sidecar should be named by HeaderFileName, got %s", entry.HeaderPath)
	}

	result, err := store.Get(context.Background(), testID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(result.Body) != "payload" {
		t.Fatalf("cached payload mismatch: %s", string(result.Body))
	}
	if result.Header.ETag != `"abc"` || result.Header.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("header mismatch: %+v", result.Header)
	}
	if result.Header.StatusCode != http.StatusOK {
		t.Fatalf("status mismatch: %d", result.Header.StatusCode)
	}
	if !result.Entry.ModTime.Equal(modTime) {
		t.Fatalf("modtime mismatch: expected %v got %v", modTime, result.Entry.ModTime)
	}
}

func TestStorePutDoesNotClobberExistingPair(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, testID, []byte("first"), Header{StatusCode: 200}, PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	entry, err := store.Put(ctx, testID, []byte("second"), Header{StatusCode: 200}, PutOptions{})
	if err != nil {
		t.Fatalf("second put error: %v", err)
	}
	if !entry.Existed {
		t.Fatalf("second put should report existing pair")
	}
	result, _ := store.Get(ctx, testID)
	if string(result.Body) != "first" {
		t.Fatalf("existing blob must not be clobbered, got %s", result.Body)
	}

	if _, err := store.Put(ctx, testID, []byte("third"), Header{StatusCode: 200, ETag: "v3"}, PutOptions{Replace: true}); err != nil {
		t.Fatalf("replace error: %v", err)
	}
	result, _ = store.Get(ctx, testID)
	if string(result.Body) != "third" || result.Header.ETag != "v3" {
		t.Fatalf("replace should swap both files, got %s / %s", result.Body, result.Header.ETag)
	}
	assertNoTempFiles(t, store)
}

func TestStoreConcurrentPutsKeepOnePair(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(context.Background(), testID, []byte("shared"), Header{StatusCode: 200}, PutOptions{}); err != nil {
				t.Errorf("put error: %v", err)
			}
		}()
	}
	wg.Wait()

	names, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(names) != 1 || names[0] != testID.FileName() {
		t.Fatalf("expected exactly one blob, got %v", names)
	}
	assertNoTempFiles(t, store)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), contentkind.Identifier{ItemKey: "missing"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreGetWithoutSidecarIsMiss(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)
	filePath, _ := fs.paths(testID.FileName())
	if err := os.WriteFile(filePath, []byte("orphan body"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := store.Get(context.Background(), testID); err != ErrNotFound {
		t.Fatalf("blob without sidecar should be a miss, got %v", err)
	}
}

func TestStoreRemoveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Put(ctx, testID, []byte("data"), Header{StatusCode: 200}, PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(ctx, testID); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(ctx, testID); err != ErrNotFound {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(ctx, testID); err != nil {
		t.Fatalf("removing a missing pair must succeed, got %v", err)
	}
}

func TestStoreRemoveIfKeepsLiveEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Put(ctx, testID, []byte("data"), Header{StatusCode: 200}, PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	removed, err := store.RemoveIf(ctx, testID, func() (bool, error) { return true, nil })
	if err != nil || removed {
		t.Fatalf("live entry must be kept, removed=%v err=%v", removed, err)
	}
	removed, err = store.RemoveIf(ctx, testID, func() (bool, error) { return false, nil })
	if err != nil || !removed {
		t.Fatalf("dead entry must be removed, removed=%v err=%v", removed, err)
	}
}

func TestStoreRemoveFileRejectsPaths(t *testing.T) {
	store := newTestStore(t)
	if err := store.RemoveFile(context.Background(), "../escape"); err == nil {
		t.Fatalf("expected error for path-like file name")
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)

	filePath, _ := fs.paths(testID.FileName())
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := store.Get(context.Background(), testID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func assertNoTempFiles(t *testing.T, store Store) {
	t.Helper()
	entries, err := os.ReadDir(store.(*fileStore).basePath)
	if err != nil {
		t.Fatalf("read dir error: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
