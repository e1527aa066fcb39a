package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/offline-hub/offline-hub/internal/worker"
)

// UpstreamFetcher 实现 worker.Fetcher：同源请求改写到站点 Upstream，
// 其余请求按原 URL 转发。正文会被完整读入内存，由 worker 决定是否缓存。
type UpstreamFetcher struct {
	client     *http.Client
	origin     *url.URL
	upstream   *url.URL
	listenPort int
}

// NewUpstreamFetcher 基于共享 client 与站点路由构造 fetcher。
// 站点配置了 Proxy 时克隆一份 Transport，避免影响其他站点的连接池。
func NewUpstreamFetcher(client *http.Client, route *SiteRoute) *UpstreamFetcher {
	return &UpstreamFetcher{
		client:     clientForProxy(client, route.ProxyURL),
		origin:     route.Origin,
		upstream:   route.UpstreamURL,
		listenPort: route.ListenPort,
	}
}

func clientForProxy(base *http.Client, proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return base
	}
	transport := defaultTransport.Clone()
	if shared, ok := base.Transport.(*http.Transport); ok && shared != nil {
		transport = shared.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{
		Timeout:       base.Timeout,
		Transport:     transport,
		CheckRedirect: base.CheckRedirect,
	}
}

// Fetch 执行一次源站请求。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *worker.Request, opts worker.FetchOptions) (*worker.Response, error) {
	target, sameOrigin := f.resolve(req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	CopyHeaders(upstreamReq.Header, req.Header)
	// 由 Transport 负责透明解压，缓存中保存的始终是解压后的正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = target.Host

	if sameOrigin {
		upstreamReq.Header.Set("X-Forwarded-Host", f.origin.Host)
		upstreamReq.Header.Set("X-Forwarded-Proto", f.origin.Scheme)
		upstreamReq.Header.Set("X-Forwarded-Port", f.port())
		if req.Method == http.MethodGet {
			// 条件请求会得到 304，既无法缓存也不算成功。
			upstreamReq.Header.Del("If-None-Match")
			upstreamReq.Header.Del("If-Modified-Since")
		}
	}
	if opts.NoStore {
		upstreamReq.Header.Set("Cache-Control", "no-cache")
		upstreamReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// resolve 返回实际请求地址以及是否为站点同源请求。
func (f *UpstreamFetcher) resolve(u *url.URL) (*url.URL, bool) {
	if u.Host == "" || strings.EqualFold(u.Hostname(), f.origin.Hostname()) {
		relative := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
		if relative.Path == "" {
			relative.Path = "/"
		}
		return f.upstream.ResolveReference(relative), true
	}
	target := *u
	if target.Scheme == "" {
		target.Scheme = "http"
	}
	return &target, false
}

func (f *UpstreamFetcher) port() string {
	if f.listenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(f.listenPort)
}
