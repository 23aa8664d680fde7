package contentkind

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"

	"github.com/wikicache/wikicache/internal/fetch"
)

const (
	variantSeparator = "__"
	headerSuffix     = "__Header"
)

// Identifier 唯一定位一个 CacheItem：ItemKey + 可选 Variant（空串表示无变体）。
type Identifier struct {
	ItemKey string `json:"item_key"`
	Variant string `json:"variant,omitempty"`
}

func (id Identifier) String() string {
	if id.Variant == "" {
		return id.ItemKey
	}
	return id.ItemKey + variantSeparator + id.Variant
}

// FileName 返回 Identifier 对应的磁盘文件名。
func (id Identifier) FileName() string {
	return FileName(id.ItemKey, id.Variant)
}

// HeaderFileName 返回 Identifier 对应的响应头 sidecar 文件名。
func (id Identifier) HeaderFileName() string {
	return HeaderFileName(id.ItemKey, id.Variant)
}

// FileName 对 NFC 规范化后的 "itemKey__variant"（无变体时仅 itemKey）做 SHA-256，
// 输出十六进制小写字符串，保证跨平台文件名稳定且安全。
func FileName(itemKey, variant string) string {
	raw := itemKey
	if variant != "" {
		raw = itemKey + variantSeparator + variant
	}
	sum := sha256.Sum256([]byte(norm.NFC.String(raw)))
	return hex.EncodeToString(sum[:])
}

// HeaderFileName = FileName + "__Header"。
func HeaderFileName(itemKey, variant string) string {
	return FileName(itemKey, variant) + headerSuffix
}

// IsHeaderFileName 判断目录中的文件是否为 sidecar。
func IsHeaderFileName(name string) bool {
	return len(name) > len(headerSuffix) && name[len(name)-len(headerSuffix):] == headerSuffix
}

// KeyGenerator 把资源请求映射为稳定的逻辑键与可选变体。
type KeyGenerator interface {
	// ItemKey 返回请求对应的逻辑键；无法解析时返回 false，调用方应跳过该资源。
	ItemKey(req fetch.Request) (string, bool)
	// Variant 返回请求对应的变体，空串表示无变体。
	Variant(req fetch.Request) string
}

// VariantPolicy 决定已下载的 candidate 变体能否满足 requested 变体的需求。
type VariantPolicy interface {
	Satisfies(requested, candidate string) bool
}

// VariantPolicyFunc adapts a function to VariantPolicy.
type VariantPolicyFunc func(requested, candidate string) bool

// Satisfies makes VariantPolicyFunc satisfy VariantPolicy.
func (f VariantPolicyFunc) Satisfies(requested, candidate string) bool {
	return f(requested, candidate)
}

// ExactVariant 仅当变体完全一致时视为满足。
var ExactVariant VariantPolicy = VariantPolicyFunc(func(requested, candidate string) bool {
	return requested == candidate
})

// Resolve 组合 ItemKey 与 Variant，无法解析时返回 false。
func Resolve(gen KeyGenerator, req fetch.Request) (Identifier, bool) {
	if gen == nil {
		return Identifier{}, false
	}
	key, ok := gen.ItemKey(req)
	if !ok || key == "" {
		return Identifier{}, false
	}
	return Identifier{ItemKey: key, Variant: gen.Variant(req)}, true
}
