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

	return decode(v)
}

// decode 将 viper 中的配置解码为 Config，Load 与 Watch 共用。
func decode(v *viper.Viper) (*Config, error) {
	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", "fs")
	v.SetDefault("MaxEntrySize", 16*1024*1024)
	v.SetDefault("MaxRetries", 1)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallTimeout", "10s")
	v.SetDefault("InstallConcurrency", 8)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StorageBackend) == "" {
		g.StorageBackend = "fs"
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallTimeout.DurationValue() == 0 {
		g.InstallTimeout = Duration(10 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 8
	}
}

func applySiteDefaults(s *SiteConfig) {
	if s.InstallTimeout.DurationValue() < 0 {
		s.InstallTimeout = Duration(0)
	}
	s.Name = strings.TrimSpace(s.Name)
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	if s.FallbackPath == "" {
		s.FallbackPath = "/index.html"
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

// rejectSiteLevelPorts 拒绝 [[Site]] 中的 Port 字段，所有站点共享全局 ListenPort。
func rejectSiteLevelPorts(v *viper.Viper) error {
	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range m {
			if !strings.EqualFold(key, "Port") {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			for k, value := range m {
				if strings.EqualFold(k, "Name") {
					if rawName, ok := value.(string); ok && rawName != "" {
						name = rawName
					}
				}
			}
			return newFieldError(siteField(name, "Port"), "不支持站点级端口，请使用全局 ListenPort")
		}
	}

	return nil
}
