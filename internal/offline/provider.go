package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wikicache/wikicache/internal/cache"
	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
	"github.com/wikicache/wikicache/internal/meta"
)

// CachedResponse 是离线读取返回的完整响应。
type CachedResponse struct {
	ID         contentkind.Identifier
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	// FromMemory 表示结果来自内存层而非磁盘。
	FromMemory bool
}

// ResponseProvider 在 blob 存储前加一层按文件名索引的 LRU 内存缓存。
// entries <= 0 时不启用内存层。
type ResponseProvider struct {
	store  cache.Store
	meta   *meta.Store
	memory *lru.Cache[string, *CachedResponse]
}

// NewResponseProvider 构造 ResponseProvider；metaStore 可为空，此时不做变体回退。
func NewResponseProvider(store cache.Store, metaStore *meta.Store, entries int) (*ResponseProvider, error) {
	if store == nil {
		return nil, errors.New("response provider requires a cache store")
	}
	p := &ResponseProvider{store: store, meta: metaStore}
	if entries > 0 {
		memory, err := lru.New[string, *CachedResponse](entries)
		if err != nil {
			return nil, fmt.Errorf("memory tier: %w", err)
		}
		p.memory = memory
	}
	return p, nil
}

// Lookup 解析 req 的标识并返回缓存响应。任何失败都视为未命中。
// 精确变体缺失时，按 policy 回退到能满足请求的已下载变体。
func (p *ResponseProvider) Lookup(ctx context.Context, keys contentkind.KeyGenerator, policy contentkind.VariantPolicy, req fetch.Request) (*CachedResponse, bool) {
	id, ok := contentkind.Resolve(keys, req)
	if !ok {
		return nil, false
	}
	if resp, ok := p.load(ctx, id); ok {
		return resp, true
	}
	if p.meta == nil || policy == nil {
		return nil, false
	}
	alt, found, err := p.meta.Satisfying(ctx, id, policy)
	if err != nil || !found || alt == id {
		return nil, false
	}
	return p.load(ctx, alt)
}

// Get 按标识读取，不做变体回退。
func (p *ResponseProvider) Get(ctx context.Context, id contentkind.Identifier) (*CachedResponse, bool) {
	return p.load(ctx, id)
}

// Remember 把刚写入的响应放入内存层。
func (p *ResponseProvider) Remember(resp *CachedResponse) {
	if p.memory == nil || resp == nil {
		return
	}
	p.memory.Add(resp.ID.FileName(), resp)
}

// Forget 从内存层移除标识对应的响应。
func (p *ResponseProvider) Forget(id contentkind.Identifier) {
	if p.memory == nil {
		return
	}
	p.memory.Remove(id.FileName())
}

// Purge 清空内存层。
func (p *ResponseProvider) Purge() {
	if p.memory != nil {
		p.memory.Purge()
	}
}

// MemoryLen 返回内存层当前条目数。
func (p *ResponseProvider) MemoryLen() int {
	if p.memory == nil {
		return 0
	}
	return p.memory.Len()
}

func (p *ResponseProvider) load(ctx context.Context, id contentkind.Identifier) (*CachedResponse, bool) {
	name := id.FileName()
	if p.memory != nil {
		if resp, ok := p.memory.Get(name); ok {
			hit := *resp
			hit.FromMemory = true
			return &hit, true
		}
	}
	result, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, false
	}
	resp := &CachedResponse{
		ID:         id,
		URL:        result.Header.URL,
		StatusCode: result.Header.StatusCode,
		Header:     result.Header.Header,
		Body:       result.Body,
		StoredAt:   result.Header.StoredAt,
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	p.Remember(resp)
	return resp, true
}

func responseFromAdd(id contentkind.Identifier, req fetch.Request, res *cache.AddResult, storedAt time.Time) *CachedResponse {
	if res == nil || res.Response == nil || res.Entry == nil || res.Entry.Existed {
		return nil
	}
	url := res.Response.URL
	if url == "" {
		url = req.URL
	}
	return &CachedResponse{
		ID:         id,
		URL:        url,
		StatusCode: res.Response.StatusCode,
		Header:     res.Response.Header.Clone(),
		Body:       res.Response.Body,
		StoredAt:   storedAt,
	}
}
