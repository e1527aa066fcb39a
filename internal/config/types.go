package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Site 共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFormat          string   `mapstructure:"LogFormat"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	MaxEntrySize       int64    `mapstructure:"MaxEntrySize"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout     Duration `mapstructure:"InstallTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// SiteConfig 描述一个被离线代理接管的站点：对外域名、源站地址与预缓存清单。
type SiteConfig struct {
	Name           string   `mapstructure:"Name"`
	Domain         string   `mapstructure:"Domain"`
	Upstream       string   `mapstructure:"Upstream"`
	Proxy          string   `mapstructure:"Proxy"`
	BasePath       string   `mapstructure:"BasePath"`
	CacheName      string   `mapstructure:"CacheName"`
	CacheVersion   string   `mapstructure:"CacheVersion"`
	Assets         []string `mapstructure:"Assets"`
	DataPaths      []string `mapstructure:"DataPaths"`
	FallbackPath   string   `mapstructure:"FallbackPath"`
	InstallTimeout Duration `mapstructure:"InstallTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// GenerationName 返回站点当前版本的缓存 generation 名称。
// 优先使用 CacheName；否则为 <Name>-<CacheVersion>；CacheVersion 为空时由清单内容派生，
// 保证清单变化时名称一定变化，旧 generation 会在 activate 阶段被清理。
func (s SiteConfig) GenerationName() string {
	if name := strings.TrimSpace(s.CacheName); name != "" {
		return name
	}
	version := strings.TrimSpace(s.CacheVersion)
	if version == "" {
		version = manifestDigest(s.ManifestPaths())
	}
	return s.Name + "-" + version
}

// ManifestPaths 返回拼接 BasePath 后的预缓存路径，保持配置顺序并去重。
func (s SiteConfig) ManifestPaths() []string {
	if len(s.Assets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(s.Assets))
	result := make([]string, 0, len(s.Assets))
	for _, asset := range s.Assets {
		full := s.resolve(asset)
		if _, ok := seen[full]; ok {
			continue
		}
		seen[full] = struct{}{}
		result = append(result, full)
	}
	return result
}

// DataPatterns 返回拼接 BasePath 后的动态数据路径，末尾 * 表示前缀匹配。
func (s SiteConfig) DataPatterns() []string {
	result := make([]string, 0, len(s.DataPaths))
	for _, raw := range s.DataPaths {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(raw, "*"); ok {
			result = append(result, s.resolve(prefix)+"*")
			continue
		}
		result = append(result, s.resolve(raw))
	}
	return result
}

// FallbackURLPath 返回导航请求离线时使用的首页路径，默认 <BasePath>/index.html。
func (s SiteConfig) FallbackURLPath() string {
	fallback := strings.TrimSpace(s.FallbackPath)
	if fallback == "" {
		fallback = "/index.html"
	}
	return s.resolve(fallback)
}

// EffectiveInstallTimeout 返回站点生效的单资源安装超时，未覆盖时回退至全局值。
func (c *Config) EffectiveInstallTimeout(s SiteConfig) time.Duration {
	if s.InstallTimeout.DurationValue() > 0 {
		return s.InstallTimeout.DurationValue()
	}
	return c.Global.InstallTimeout.DurationValue()
}

// SiteNames 返回所有站点名称与 generation 的摘要，例如 journal:journal-v1。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.GenerationName())
	}
	return result
}

// resolve 将相对清单路径拼接到 BasePath 下，保留末尾 "/"（目录首页与文件是不同的键）。
func (s SiteConfig) resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	trailing := raw == "" || strings.HasSuffix(raw, "/")
	joined := path.Join("/", normalizeBasePath(s.BasePath), raw)
	if trailing && joined != "/" {
		joined += "/"
	}
	return joined
}

func normalizeBasePath(base string) string {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return "/" + base
}

func manifestDigest(paths []string) string {
	sum := sha1.Sum([]byte(strings.Join(paths, "\n")))
	return "m" + hex.EncodeToString(sum[:])[:8]
}
