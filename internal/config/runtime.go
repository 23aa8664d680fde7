package config

import (
	"fmt"

	"github.com/wikicache/wikicache/internal/contentkind"
)

// ControllerRuntime 将 Controller 配置与内容类型元数据合并，方便装配时直接取用。
type ControllerRuntime struct {
	Config               ControllerConfig
	Kind                 contentkind.Metadata
	MaxConcurrentFetches int
}

// BuildControllerRuntime 解析内容类型并计算生效的并发上限（未覆盖时回退全局值）。
func (c *Config) BuildControllerRuntime(ctrl ControllerConfig) (ControllerRuntime, error) {
	kind, ok := contentkind.Lookup(ctrl.Kind)
	if !ok {
		return ControllerRuntime{}, fmt.Errorf("%s: 未注册内容类型 %s", controllerField(ctrl.Name, "Kind"), ctrl.Kind)
	}
	return ControllerRuntime{
		Config:               ctrl,
		Kind:                 kind,
		MaxConcurrentFetches: c.EffectiveMaxConcurrentFetches(ctrl),
	}, nil
}

// EffectiveMaxConcurrentFetches 返回特定 Controller 生效的并发上限。
func (c *Config) EffectiveMaxConcurrentFetches(ctrl ControllerConfig) int {
	if ctrl.MaxConcurrentFetches > 0 {
		return ctrl.MaxConcurrentFetches
	}
	return c.Global.MaxConcurrentFetches
}
