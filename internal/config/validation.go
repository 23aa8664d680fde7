package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wikicache/wikicache/internal/contentkind"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); g.LogLevel != "" && err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.DatabasePath == "" {
		return newFieldError("Global.DatabasePath", "不能为空")
	}
	if g.MemoryCacheEntries < 0 {
		return newFieldError("Global.MemoryCacheEntries", "不能为负数")
	}
	if g.MaxConcurrentFetches <= 0 {
		return newFieldError("Global.MaxConcurrentFetches", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Controllers) == 0 {
		return errors.New("至少需要配置一个 Controller")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Controllers {
		ctrl := &c.Controllers[i]
		normalizedKind := strings.ToLower(strings.TrimSpace(ctrl.Kind))
		if normalizedKind == "" {
			return newFieldError(controllerField(ctrl.Name, "Kind"), "不能为空")
		}
		if _, ok := contentkind.Lookup(normalizedKind); !ok {
			return newFieldError(controllerField(ctrl.Name, "Kind"), "仅支持 "+strings.Join(contentkind.Keys(), "|"))
		}
		ctrl.Kind = normalizedKind

		if ctrl.Name == "" {
			return newFieldError("Controller[].Name", "不能为空")
		}
		if strings.ContainsAny(ctrl.Name, "/ ") {
			return newFieldError(controllerField(ctrl.Name, "Name"), "不允许包含空格或斜杠")
		}
		if _, exists := seenNames[ctrl.Name]; exists {
			return newFieldError(controllerField(ctrl.Name, "Name"), "重复")
		}
		seenNames[ctrl.Name] = struct{}{}

		if ctrl.MaxConcurrentFetches < 0 {
			return newFieldError(controllerField(ctrl.Name, "MaxConcurrentFetches"), "不能为负数")
		}
	}

	return nil
}

// validateDatabaseOutsideStorage 要求数据库文件不在 blob 目录内，否则孤儿清理会把它当作 blob。
func validateDatabaseOutsideStorage(g GlobalConfig) error {
	rel, err := filepath.Rel(g.StoragePath, g.DatabasePath)
	if err != nil {
		return nil
	}
	if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return newFieldError("Global.DatabasePath", fmt.Sprintf("不能位于 StoragePath (%s) 之内", g.StoragePath))
	}
	return nil
}
