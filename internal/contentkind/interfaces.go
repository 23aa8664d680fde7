package contentkind

// Metadata 记录一种内容类型的静态信息与键生成策略，供控制器与诊断端使用。
type Metadata struct {
	Key         string
	Description string
	Keys        KeyGenerator
	Policy      VariantPolicy
	// ManifestKind 描述该类型的分组如何展开资源清单：article 需解析离线资源列表，其余为单资源分组。
	ManifestKind ManifestKind
}

// ManifestKind 描述分组资源清单的来源。
type ManifestKind string

const (
	ManifestArticle ManifestKind = "article"
	ManifestSingle  ManifestKind = "single"
)

// VariantPolicyOrDefault 返回已注册策略，缺省时退回精确匹配。
func (m Metadata) VariantPolicyOrDefault() VariantPolicy {
	if m.Policy == nil {
		return ExactVariant
	}
	return m.Policy
}
