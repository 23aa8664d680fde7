package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级参数，所有 Controller 共享同一份存储与元数据库。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	DatabasePath         string   `mapstructure:"DatabasePath"`
	MemoryCacheEntries   int      `mapstructure:"MemoryCacheEntries"`
	MaxConcurrentFetches int      `mapstructure:"MaxConcurrentFetches"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	UserAgent            string   `mapstructure:"UserAgent"`
}

// ControllerConfig 描述一个内容类型的离线缓存入口。
type ControllerConfig struct {
	Name                 string `mapstructure:"Name"`
	Kind                 string `mapstructure:"Kind"`
	MaxConcurrentFetches int    `mapstructure:"MaxConcurrentFetches"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global      GlobalConfig       `mapstructure:",squash"`
	Controllers []ControllerConfig `mapstructure:"Controller"`
}

// ControllerSummaries 返回 name:kind 形式的摘要，供启动日志使用。
func ControllerSummaries(controllers []ControllerConfig) []string {
	if len(controllers) == 0 {
		return nil
	}
	result := make([]string, len(controllers))
	for i, ctrl := range controllers {
		result[i] = fmt.Sprintf("%s:%s", ctrl.Name, ctrl.Kind)
	}
	return result
}
