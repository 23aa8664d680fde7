package server

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/wikicache/wikicache/internal/config"
)

func TestBootstrapOpensSharedRuntime(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			StoragePath:        filepath.Join(dir, "blobs"),
			DatabasePath:       filepath.Join(dir, "wikicache.db"),
			MemoryCacheEntries: 4,
			UserAgent:          "wikicache-test",
		},
		Controllers: []config.ControllerConfig{{Name: "articles", Kind: "article"}},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rt, err := Bootstrap(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if _, ok := rt.Registry.Lookup("articles"); !ok {
		t.Fatalf("expected articles controller")
	}
	stats, err := rt.Registry.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Groups != 0 || stats.Items != 0 {
		t.Fatalf("expected empty database, got %+v", stats)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestBootstrapRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			StoragePath:  filepath.Join(dir, "blobs"),
			DatabasePath: filepath.Join(dir, "wikicache.db"),
		},
		Controllers: []config.ControllerConfig{{Name: "videos", Kind: "video"}},
	}
	if _, err := Bootstrap(context.Background(), cfg, logrus.New()); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
