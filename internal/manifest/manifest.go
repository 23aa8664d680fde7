// Package manifest 把分组定位地址展开为分组需要持有的全部资源请求。
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
)

const (
	mobileHTMLPath       = "/api/rest_v1/page/mobile-html/"
	offlineResourcesPath = "/api/rest_v1/page/mobile-html-offline-resources/"
	wikiPath             = "/wiki/"
)

// ErrUnsupportedLocator 表示无法从定位地址中解析出条目标题。
var ErrUnsupportedLocator = errors.New("unsupported manifest locator")

// Provider 返回分组应持有的资源请求列表。
type Provider interface {
	Resources(ctx context.Context, locator fetch.Request) ([]fetch.Request, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, locator fetch.Request) ([]fetch.Request, error)

// Resources makes ProviderFunc satisfy Provider.
func (f ProviderFunc) Resources(ctx context.Context, locator fetch.Request) ([]fetch.Request, error) {
	return f(ctx, locator)
}

// New 按内容类型的清单种类返回 Provider。
func New(kind contentkind.ManifestKind, fetcher fetch.Fetcher) Provider {
	if kind == contentkind.ManifestArticle {
		return NewArticle(fetcher)
	}
	return Single{}
}

// Single 把定位地址本身作为分组唯一的资源，用于图片与图片信息分组。
type Single struct{}

func (Single) Resources(_ context.Context, locator fetch.Request) ([]fetch.Request, error) {
	if _, err := locator.Parsed(); err != nil {
		return nil, err
	}
	return []fetch.Request{locator}, nil
}

// Article 展开条目分组：移动版 HTML 加上离线资源列表中的全部地址。
type Article struct {
	fetcher fetch.Fetcher
}

// NewArticle 构造 Article。
func NewArticle(fetcher fetch.Fetcher) *Article {
	return &Article{fetcher: fetcher}
}

// Resources 返回的首个请求总是条目 HTML，并保留 locator 的请求头（语言变体）。
func (a *Article) Resources(ctx context.Context, locator fetch.Request) ([]fetch.Request, error) {
	if a.fetcher == nil {
		return nil, errors.New("manifest fetcher required")
	}
	parsed, err := locator.Parsed()
	if err != nil {
		return nil, err
	}
	title, ok := ArticleTitle(parsed.Path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocator, locator.URL)
	}

	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	escaped := url.PathEscape(title)

	page := locator
	page.URL = base.String() + mobileHTMLPath + escaped

	listReq := fetch.NewRequest(base.String() + offlineResourcesPath + escaped)
	if lang := locator.HeaderValue("Accept-Language"); lang != "" {
		listReq = listReq.WithHeader("Accept-Language", lang)
	}
	resp, err := a.fetcher.Fetch(ctx, listReq)
	if err != nil {
		return nil, fmt.Errorf("fetch offline resources for %s: %w", title, err)
	}
	var listed []string
	if err := json.Unmarshal(resp.Body, &listed); err != nil {
		return nil, fmt.Errorf("decode offline resources for %s: %w", title, err)
	}

	requests := []fetch.Request{page}
	seen := map[string]struct{}{page.URL: {}}
	for _, raw := range listed {
		resolved, ok := resolveResource(base, raw)
		if !ok {
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		requests = append(requests, fetch.NewRequest(resolved))
	}
	return requests, nil
}

// ArticleTitle 从 /wiki/{title} 或 /api/rest_v1/page/mobile-html/{title} 中取出标题。
func ArticleTitle(p string) (string, bool) {
	var raw string
	switch {
	case strings.HasPrefix(p, mobileHTMLPath):
		raw = strings.TrimPrefix(p, mobileHTMLPath)
	case strings.HasPrefix(p, wikiPath):
		raw = strings.TrimPrefix(p, wikiPath)
	default:
		return "", false
	}
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return "", false
	}
	return strings.ReplaceAll(raw, " ", "_"), true
}

func resolveResource(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Host == "" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}
