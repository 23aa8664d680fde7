package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request 描述一次资源获取：URL + 请求头（例如 Accept-Language 携带语言变体）。
type Request struct {
	URL    string
	Header http.Header
}

// NewRequest 以原始 URL 构造 Request，Header 延迟初始化。
func NewRequest(rawURL string) Request {
	return Request{URL: strings.TrimSpace(rawURL)}
}

// WithHeader 返回追加了请求头的副本，原 Request 不受影响。
func (r Request) WithHeader(key, value string) Request {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(key, value)
	r.Header = header
	return r
}

// HeaderValue 读取请求头，Header 为空时返回空串。
func (r Request) HeaderValue(key string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(key)
}

// Parsed 解析 URL，协议相对地址（//host/path）默认补全为 https。
func (r Request) Parsed() (*url.URL, error) {
	raw := r.URL
	if raw == "" {
		return nil, fmt.Errorf("empty request url")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("request url missing host: %s", r.URL)
	}
	return parsed, nil
}

// Response 是一次成功获取的完整结果，Body 已全部读入内存。
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ETag 返回响应中的实体标签，用于后续条件请求。
func (r *Response) ETag() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("ETag")
}

// NotModified 表示条件请求命中 304。
func (r *Response) NotModified() bool {
	return r != nil && r.StatusCode == http.StatusNotModified
}

// Fetcher 把 Request 转换为 Response 或错误；取消通过 ctx 传播。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StatusError 表示上游返回了非 2xx/304 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}
