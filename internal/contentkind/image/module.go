// Package image 描述图片二进制的键生成策略。不同尺寸的缩略图
// （.../thumb/a/ab/Name.jpg/220px-Name.jpg）与原图（.../a/ab/Name.jpg）
// 合并到同一逻辑键 host__Name.jpg，尺寸前缀作为变体。
package image

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
)

// Key 是 image 类型在注册表中的键。
const Key = "image"

var sizePrefixPattern = regexp.MustCompile(`^(?:[a-z0-9]+-)*?(\d+)px-`)

func init() {
	contentkind.MustRegister(contentkind.Metadata{
		Key:         Key,
		Description: "Image binaries coalesced by file name, size prefix as variant",
		Keys:        KeyGenerator{},
		Policy:      VariantPolicy{},
	})
}

// KeyGenerator 实现 contentkind.KeyGenerator。
type KeyGenerator struct{}

// ItemKey 返回 host + "__" + 解码后的图片文件名。
func (KeyGenerator) ItemKey(req fetch.Request) (string, bool) {
	parsed, err := req.Parsed()
	if err != nil {
		return "", false
	}
	name := imageName(parsed.Path)
	if name == "" {
		return "", false
	}
	return strings.ToLower(parsed.Host) + "__" + name, true
}

// Variant 返回缩略图的宽度前缀，原图返回空串。
func (KeyGenerator) Variant(req fetch.Request) string {
	parsed, err := req.Parsed()
	if err != nil {
		return ""
	}
	if width, ok := SizePrefix(parsed.Path); ok {
		return strconv.Itoa(width)
	}
	return ""
}

// SizePrefix 解析缩略图文件名中的 "<width>px-" 前缀。
func SizePrefix(p string) (int, bool) {
	if !isThumbPath(p) {
		return 0, false
	}
	match := sizePrefixPattern.FindStringSubmatch(path.Base(p))
	if match == nil {
		return 0, false
	}
	width, err := strconv.Atoi(match[1])
	if err != nil || width <= 0 {
		return 0, false
	}
	return width, true
}

func isThumbPath(p string) bool {
	return strings.Contains(p, "/thumb/")
}

func imageName(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	if isThumbPath(p) {
		// 缩略图：倒数第二段才是原图文件名
		dir := path.Dir(p)
		if name := path.Base(dir); name != "." && name != "/" && name != "thumb" {
			return name
		}
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// VariantPolicy：原图满足任意尺寸；否则已下载宽度不小于请求宽度即满足。
type VariantPolicy struct{}

func (VariantPolicy) Satisfies(requested, candidate string) bool {
	if requested == candidate || candidate == "" {
		return true
	}
	if requested == "" {
		return false
	}
	want, err := strconv.Atoi(requested)
	if err != nil {
		return false
	}
	have, err := strconv.Atoi(candidate)
	if err != nil {
		return false
	}
	return have >= want
}
