package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wikicache/wikicache/internal/contentkind"
)

const tempPrefix = ".cache-"

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一文件名并发读写，正文与 sidecar 始终成对操作。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, id contentkind.Identifier) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := id.FileName()
	unlock := s.lockEntry(name)
	defer unlock()

	filePath, headerPath := s.paths(name)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	rawHeader, err := os.ReadFile(headerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var header Header
	if err := msgpack.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("decode header sidecar: %w", err)
	}

	body, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			ID:         id,
			FileName:   name,
			FilePath:   filePath,
			HeaderPath: headerPath,
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
		},
		Header: header,
		Body:   body,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, id contentkind.Identifier, body []byte, header Header, opts PutOptions) (*Entry, error) {
	name := id.FileName()
	unlock := s.lockEntry(name)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, headerPath := s.paths(name)
	entry := &Entry{
		ID:         id,
		FileName:   name,
		FilePath:   filePath,
		HeaderPath: headerPath,
	}

	if !opts.Replace {
		if info, ok := pairExists(filePath, headerPath); ok {
			entry.SizeBytes = info.Size()
			entry.ModTime = info.ModTime()
			entry.Existed = true
			return entry, nil
		}
	}

	if header.StoredAt.IsZero() {
		header.StoredAt = time.Now().UTC()
	}
	encoded, err := msgpack.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("encode header sidecar: %w", err)
	}

	// 正文先于 sidecar 落盘：sidecar 存在即代表这对文件完整。
	if err := s.writeAtomic(filePath, body); err != nil {
		return nil, err
	}
	if err := s.writeAtomic(headerPath, encoded); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = header.StoredAt
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	entry.SizeBytes = int64(len(body))
	entry.ModTime = modTime
	return entry, nil
}

func (s *fileStore) Remove(ctx context.Context, id contentkind.Identifier) error {
	_, err := s.RemoveIf(ctx, id, nil)
	return err
}

func (s *fileStore) RemoveIf(ctx context.Context, id contentkind.Identifier, keep func() (bool, error)) (bool, error) {
	name := id.FileName()
	unlock := s.lockEntry(name)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if keep != nil {
		live, err := keep()
		if err != nil {
			return false, err
		}
		if live {
			return false, nil
		}
	}
	if err := s.removePair(name); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) RemoveFile(ctx context.Context, fileName string) error {
	if fileName == "" || strings.ContainsAny(fileName, `/\`) {
		return fmt.Errorf("invalid cache file name: %q", fileName)
	}
	unlock := s.lockEntry(fileName)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.removePair(fileName)
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || contentkind.IsHeaderFileName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) removePair(name string) error {
	filePath, headerPath := s.paths(name)
	// sidecar 先删，避免出现“有头无体”的半条目被当作命中
	if err := os.Remove(headerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) writeAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) paths(name string) (string, string) {
	filePath := filepath.Join(s.basePath, name)
	return filePath, filePath + "__Header"
}

func pairExists(filePath, headerPath string) (os.FileInfo, bool) {
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return nil, false
	}
	if _, err := os.Stat(headerPath); err != nil {
		return nil, false
	}
	return info, true
}
