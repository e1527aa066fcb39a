package worker

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// Mode 对应请求的 fetch mode，仅 navigate 影响分类。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ModeFromHeaders 优先读取 Sec-Fetch-Mode；旧客户端不发送该头时，
// 接受 text/html 的 GET 请求视为页面导航。
func ModeFromHeaders(method string, header http.Header) Mode {
	if raw := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); raw != "" {
		return Mode(raw)
	}
	if strings.EqualFold(method, http.MethodGet) && strings.Contains(header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// Request 是被拦截的一次出站请求。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Mode   Mode
	Body   []byte
}

// NewRequest 解析 rawURL 并根据请求头推导 Mode。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    parsed,
		Header: header,
		Mode:   ModeFromHeaders(method, header),
	}, nil
}

// CacheKey 返回请求在 generation 中的键：GET + 路径（含查询串）。
func (r *Request) CacheKey() cache.Key {
	return cache.NewKey(http.MethodGet, r.URL.RequestURI())
}

// Source 标记响应的来源，HTTP 层通过响应头暴露给调用方。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourceSynthesized Source = "synthesized"
	SourcePassthrough Source = "passthrough"
)

// Response 是 worker 返回给调用方的完整响应。
type Response struct {
	Status         int
	Header         http.Header
	Body           []byte
	Source         Source
	Classification Classification
}

// OK 与浏览器 Response.ok 一致：仅 2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

func responseFromEntry(entry *cache.Entry, source Source) *Response {
	return &Response{
		Status: entry.Status,
		Header: entry.Header.Clone(),
		Body:   entry.Body,
		Source: source,
	}
}

// emptyJSONResponse 是 network-first 在网络与缓存都不可用时合成的空数组响应。
func emptyJSONResponse() *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte("[]"),
		Source: SourceSynthesized,
	}
}
