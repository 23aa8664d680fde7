package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wikicache/wikicache/internal/contentkind"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<fileName>            # 资源正文
//	<StoragePath>/<fileName>__Header    # msgpack 编码的响应头 sidecar
//
// 文件名只由 ItemKey + Variant 派生，与分组无关，因此多个分组共享同一对文件。
type Store interface {
	// Get 返回条目正文与响应头。若任一文件不存在则返回 ErrNotFound。
	Get(ctx context.Context, id contentkind.Identifier) (*ReadResult, error)

	// Put 写入正文与 sidecar。未设置 opts.Replace 且文件对已存在时不覆盖，
	// 返回 Existed=true 的 Entry；设置 Replace 时通过临时文件原子替换。
	Put(ctx context.Context, id contentkind.Identifier, body []byte, header Header, opts PutOptions) (*Entry, error)

	// Remove 删除正文与 sidecar，文件不存在不视为错误。
	Remove(ctx context.Context, id contentkind.Identifier) error

	// RemoveIf 在条目锁内先调用 keep，keep 返回 true 时放弃删除。
	RemoveIf(ctx context.Context, id contentkind.Identifier, keep func() (bool, error)) (bool, error)

	// RemoveFile 按文件名删除一对文件，供孤儿清理使用。
	RemoveFile(ctx context.Context, fileName string) error

	// List 返回目录中所有正文文件名（不含 sidecar 与临时文件）。
	List(ctx context.Context) ([]string, error)
}

// Header 是持久化到 sidecar 的响应元数据。
type Header struct {
	URL        string      `msgpack:"url"`
	StatusCode int         `msgpack:"status"`
	Header     http.Header `msgpack:"header"`
	ETag       string      `msgpack:"etag"`
	StoredAt   time.Time   `msgpack:"stored_at"`

	// RequestHeader 保存原始请求头（如 Accept-Language），重新验证时按原样回放。
	RequestHeader http.Header `msgpack:"request_header,omitempty"`
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Replace bool
	ModTime time.Time
}

// Entry 描述一对已落盘的文件。
type Entry struct {
	ID         contentkind.Identifier
	FileName   string
	FilePath   string
	HeaderPath string
	SizeBytes  int64
	ModTime    time.Time
	// Existed 表示文件对此前已存在，本次未覆盖。
	Existed bool
}

// ReadResult 组合 Entry、解码后的响应头与正文。
type ReadResult struct {
	Entry  Entry
	Header Header
	Body   []byte
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMissingHTTPMetadata 表示获取结果缺少 HTTP 状态/响应头，无法持久化。
	ErrMissingHTTPMetadata = errors.New("response missing http metadata")
	// ErrUnexpectedNotModified 表示非条件请求收到 304，没有可持久化的正文。
	ErrUnexpectedNotModified = errors.New("unexpected 304 for unconditional fetch")
)
