// Package article 描述条目 HTML 的键生成策略：逻辑键取 host + 解码后的路径，
// 语言变体（如 zh-hans）来自请求的 Accept-Language 头。
package article

import (
	"strings"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
)

// Key 是 article 类型在注册表中的键。
const Key = "article"

func init() {
	contentkind.MustRegister(contentkind.Metadata{
		Key:          Key,
		Description:  "Article HTML and its offline resources, keyed by host + path with language variants",
		Keys:         KeyGenerator{},
		Policy:       VariantPolicy{},
		ManifestKind: contentkind.ManifestArticle,
	})
}

// KeyGenerator 实现 contentkind.KeyGenerator。
type KeyGenerator struct{}

// ItemKey 丢弃 query 与 fragment，标题中的空格统一为下划线。
func (KeyGenerator) ItemKey(req fetch.Request) (string, bool) {
	parsed, err := req.Parsed()
	if err != nil {
		return "", false
	}
	path := strings.ReplaceAll(parsed.Path, " ", "_")
	if path == "" {
		path = "/"
	}
	return strings.ToLower(parsed.Host) + path, true
}

// Variant 取 Accept-Language 的首个语言标签。
func (KeyGenerator) Variant(req fetch.Request) string {
	raw := req.HeaderValue("Accept-Language")
	if idx := strings.IndexAny(raw, ",;"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// VariantPolicy：变体一致，或已下载的是未限定变体的默认版本时视为满足。
type VariantPolicy struct{}

func (VariantPolicy) Satisfies(requested, candidate string) bool {
	return requested == candidate || candidate == ""
}
