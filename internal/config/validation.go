package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

const supportedBackendList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch strings.ToLower(strings.TrimSpace(g.LogFormat)) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json|text")
	}
	backend := strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if _, ok := supportedBackends[backend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.StoragePath == "" && backend != "memory" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxEntrySize < 0 {
		return newFieldError("Global.MaxEntrySize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if err := validateName(site.Name); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Name"), err)
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if other, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与 "+other+" 重复")
		}
		seenDomains[domain] = site.Name

		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		if err := validateName(site.GenerationName()); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "CacheName"), err)
		}
		for _, asset := range site.Assets {
			if err := validatePath(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Assets"), err)
			}
		}
		for _, data := range site.DataPaths {
			if err := validatePath(data); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "DataPaths"), err)
			}
		}
		if err := validatePath(site.FallbackPath); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "FallbackPath"), err)
		}
	}

	return nil
}

func validateName(name string) error {
	if strings.ContainsAny(name, `/\ `) || name == "." || name == ".." {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validatePath 仅接受站内路径，清单中出现完整 URL 会导致跨源缓存。
func validatePath(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("路径不能为空")
	}
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "//") {
		return fmt.Errorf("仅支持站内路径: %s", raw)
	}
	if strings.ContainsAny(raw, "?#") {
		return fmt.Errorf("路径不允许包含查询串或片段: %s", raw)
	}
	return nil
}
