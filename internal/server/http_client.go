package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/wikicache/wikicache/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// newTransport 返回上游共享 Transport；每主机连接数按并发获取上限放宽。
func newTransport(perHost int) *http.Transport {
	if perHost < 16 {
		perHost = 16
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// NewUpstreamClient 返回所有 Controller 共用的 http.Client，超时取 UpstreamTimeout。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	perHost := 0
	if cfg != nil {
		if d := cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		for _, ctrl := range cfg.Controllers {
			perHost += cfg.EffectiveMaxConcurrentFetches(ctrl)
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(perHost),
	}
}

// hopByHopHeaders 是重放缓存响应时不应写回的连接级头部（RFC 7230）。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 将 src 中的端到端头部追加到 dst。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header is connection-scoped.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
