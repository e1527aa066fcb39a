package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// CacheSourceHeader 标记响应来源（cache/network/fallback/synthesized/passthrough）。
const CacheSourceHeader = "X-Offline-Hub-Cache"

// Handler 把 Fiber 请求转换为 worker.Request，交给站点当前的 worker 处理，
// 再把 worker.Response 写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, site *server.SiteController) error {
	started := time.Now()
	requestID := server.RequestID(c)
	route := site.Route()

	active := site.Active()
	if active == nil {
		h.logResult(route, "", "", "", requestID, 0, started, errors.New("no active worker"))
		return h.writeError(c, requestID, fiber.StatusServiceUnavailable, "site_inactive")
	}

	req, err := buildWorkerRequest(c)
	if err != nil {
		h.logResult(route, active.CacheName(), "", "", requestID, 0, started, err)
		return h.writeError(c, requestID, fiber.StatusBadRequest, "invalid_request")
	}
	class := active.Classify(req)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := active.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, active.CacheName(), string(class), "", requestID, 0, started, err)
		switch {
		case errors.Is(err, worker.ErrNotActive):
			return h.writeError(c, requestID, fiber.StatusServiceUnavailable, "site_inactive")
		case errors.Is(err, worker.ErrOffline):
			return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
		default:
			return h.writeError(c, requestID, fiber.StatusBadGateway, "cache_unavailable")
		}
	}

	h.logResult(route, active.CacheName(), string(resp.Classification), string(resp.Source), requestID, resp.Status, started, nil)
	return writeResponse(c, resp, requestID)
}

// buildWorkerRequest 以 Host 头与请求行构造完整 URL，附带 X-Forwarded-For。
func buildWorkerRequest(c fiber.Ctx) (*worker.Request, error) {
	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	uri := c.Request().URI()
	host := string(uri.Host())
	if host == "" {
		host = c.Hostname()
	}
	target := &url.URL{Scheme: c.Scheme(), Host: host}
	parsed, err := url.ParseRequestURI(string(uri.RequestURI()))
	if err != nil {
		return nil, err
	}
	target.Path = parsed.Path
	target.RawPath = parsed.RawPath
	target.RawQuery = parsed.RawQuery

	req := &worker.Request{
		Method: c.Method(),
		URL:    target,
		Header: header,
		Mode:   worker.ModeFromHeaders(c.Method(), header),
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

func writeResponse(c fiber.Ctx, resp *worker.Response, requestID string) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(CacheSourceHeader, string(resp.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func (h *Handler) writeError(c fiber.Ctx, requestID string, status int, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	generation string,
	classification string,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, generation, classification, source)
	fields["action"] = "proxy"
	fields["upstream"] = route.Config.Upstream
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
