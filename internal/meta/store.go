package meta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath 打开仅存在于进程内的数据库，测试与临时实例使用。
const MemoryPath = ":memory:"

var (
	// ErrItemNotFound 表示 (ItemKey, Variant) 没有对应的 CacheItem 行。
	ErrItemNotFound = errors.New("cache item not found")
	// ErrGroupNotFound 表示分组不存在。
	ErrGroupNotFound = errors.New("cache group not found")
	// ErrClosed 表示 Store 已关闭。
	ErrClosed = errors.New("metadata store closed")
)

// Store 持有唯一的数据库连接与写协程；所有读写都以闭包形式排队进入该协程。
type Store struct {
	db  *gorm.DB
	now func() time.Time

	ops    chan op
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type op struct {
	ctx  context.Context
	fn   func(tx *gorm.DB) error
	done chan error
}

// Open 打开（必要时创建）path 处的 SQLite 数据库并迁移表结构。
// path 为 MemoryPath 时使用内存库。
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("metadata db handle: %w", err)
	}
	// 单连接：内存库在多连接下各自独立，文件库也只需要一个写者。
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if err := db.WithContext(ctx).Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := db.WithContext(ctx).AutoMigrate(&CacheGroup{}, &CacheItem{}, &CacheGroupItem{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate metadata db: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		ops:    make(chan op),
		ctx:    loopCtx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Close 停止写协程并关闭连接；已排队的操作会先执行完。
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case o := <-s.ops:
			o.done <- s.execute(o)
		}
	}
}

func (s *Store) execute(o op) error {
	if err := o.ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(o.ctx).Transaction(o.fn)
}

// perform 把 fn 交给写协程在事务中执行并等待结果。fn 返回错误时事务回滚。
func (s *Store) perform(ctx context.Context, fn func(tx *gorm.DB) error) error {
	o := op{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
	// 已被写协程接收的操作必须等它结束，事务的提交或回滚才有确定结果。
	return <-o.done
}
