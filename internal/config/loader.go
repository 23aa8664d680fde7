package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectControllerLevelStorage(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Controllers {
		applyControllerDefaults(&cfg.Controllers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, target := range []*string{&cfg.Global.StoragePath, &cfg.Global.DatabasePath} {
		abs, err := filepath.Abs(*target)
		if err != nil {
			return nil, fmt.Errorf("无法解析路径 %s: %w", *target, err)
		}
		*target = abs
	}
	if err := validateDatabaseOutsideStorage(cfg.Global); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./data/blobs")
	v.SetDefault("DatabasePath", "./data/wikicache.db")
	v.SetDefault("MemoryCacheEntries", 256)
	v.SetDefault("MaxConcurrentFetches", 4)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UserAgent", "wikicache")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.MaxConcurrentFetches == 0 {
		g.MaxConcurrentFetches = 4
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.UserAgent = strings.TrimSpace(g.UserAgent)
}

func applyControllerDefaults(c *ControllerConfig) {
	c.Name = strings.TrimSpace(c.Name)
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Name == "" {
		c.Name = c.Kind
	}
	if c.MaxConcurrentFetches < 0 {
		c.MaxConcurrentFetches = 0
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectControllerLevelStorage 拒绝 Controller 表内的存储路径：所有 Controller 共享同一份存储，
// 分组之间才能复用资源。
func rejectControllerLevelStorage(v *viper.Viper) error {
	raw := v.Get("Controller")
	controllers, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range controllers {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range []string{"StoragePath", "DatabasePath"} {
			if _, exists := m[key]; exists {
				name := fmt.Sprintf("#%d", idx)
				if rawName, ok := m["Name"].(string); ok && rawName != "" {
					name = rawName
				}
				return newFieldError(controllerField(name, key), "不支持按 Controller 配置，请使用全局 "+key)
			}
		}
	}

	return nil
}
