// Package imageinfo 描述图片信息 JSON（action=query&prop=imageinfo）的键生成策略。
package imageinfo

import (
	"strings"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
)

// Key 是 imageinfo 类型在注册表中的键。
const Key = "imageinfo"

const widthParam = "iiurlwidth"

func init() {
	contentkind.MustRegister(contentkind.Metadata{
		Key:         Key,
		Description: "Image-info API JSON keyed by canonical query, thumbnail width as variant",
		Keys:        KeyGenerator{},
		Policy:      contentkind.ExactVariant,
	})
}

// KeyGenerator 实现 contentkind.KeyGenerator。
type KeyGenerator struct{}

// ItemKey 返回 host + path + 排序后的 query（去掉宽度参数）。
func (KeyGenerator) ItemKey(req fetch.Request) (string, bool) {
	parsed, err := req.Parsed()
	if err != nil {
		return "", false
	}
	query := parsed.Query()
	query.Del(widthParam)
	key := strings.ToLower(parsed.Host) + parsed.Path
	if encoded := query.Encode(); encoded != "" {
		key += "?" + encoded
	}
	return key, true
}

// Variant 返回 iiurlwidth 参数。
func (KeyGenerator) Variant(req fetch.Request) string {
	parsed, err := req.Parsed()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Query().Get(widthParam))
}
