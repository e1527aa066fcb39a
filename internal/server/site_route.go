package server

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/config"
)

// SiteRoute 将 Site 配置与派生属性（generation 名称、解析后的 URL、生效超时）
// 聚合在一起，供控制器与代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是用户在 config.toml 中声明的 Site 字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// Generation 是当前配置对应的缓存 generation 名称。
	Generation string
	// Origin 是站点对外的 origin（http://<Domain>），用于同源判断。
	Origin *url.URL
	// UpstreamURL/ProxyURL 在构造时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL

	Assets       []string
	DataPatterns []string
	FallbackPath string

	// 以下字段来自全局配置，随 Reload 一并更新。
	InstallTimeout     time.Duration
	MaxRetries         int
	InitialBackoff     time.Duration
	InstallConcurrency int
	MaxEntrySize       int64
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	host := normalizeDomain(site.Domain)
	if host == "" {
		return nil, fmt.Errorf("invalid domain for site %s", site.Name)
	}

	return &SiteRoute{
		Config:             site,
		ListenPort:         cfg.Global.ListenPort,
		Generation:         site.GenerationName(),
		Origin:             &url.URL{Scheme: "http", Host: host},
		UpstreamURL:        upstreamURL,
		ProxyURL:           proxyURL,
		Assets:             site.ManifestPaths(),
		DataPatterns:       site.DataPatterns(),
		FallbackPath:       site.FallbackURLPath(),
		InstallTimeout:     cfg.EffectiveInstallTimeout(site),
		MaxRetries:         cfg.Global.MaxRetries,
		InitialBackoff:     cfg.Global.InitialBackoff.DurationValue(),
		InstallConcurrency: cfg.Global.InstallConcurrency,
		MaxEntrySize:       cfg.Global.MaxEntrySize,
	}, nil
}

// sameDeployment 判断两次配置是否可以沿用同一个 worker（无需重新 install）。
func (r *SiteRoute) sameDeployment(other *SiteRoute) bool {
	if r == nil || other == nil {
		return false
	}
	return r.Generation == other.Generation &&
		r.Config.Upstream == other.Config.Upstream &&
		r.Config.Proxy == other.Config.Proxy &&
		r.FallbackPath == other.FallbackPath &&
		strings.Join(r.Assets, "\n") == strings.Join(other.Assets, "\n") &&
		strings.Join(r.DataPatterns, "\n") == strings.Join(other.DataPatterns, "\n")
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
