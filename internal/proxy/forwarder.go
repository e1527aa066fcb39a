package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
)

// Forwarder 包装实际的 ProxyHandler：handler 缺失或 panic 时返回结构化 JSON 错误，
// 并记录带 request_id 的日志，避免单个请求拖垮整个进程。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, site *server.SiteController) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, site, requestID)
	}
	return f.invokeHandler(c, site, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, site *server.SiteController, requestID string) error {
	f.logHandlerError(site, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, site *server.SiteController, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, site, r, requestID)
		}
	}()
	return f.handler.Handle(c, site)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, site *server.SiteController, recovered interface{}, requestID string) error {
	f.logHandlerError(site, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(site *server.SiteController, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.siteFields(site, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func (f *Forwarder) siteFields(site *server.SiteController, requestID string) logrus.Fields {
	var fields logrus.Fields
	if site == nil || site.Route() == nil {
		fields = logging.RequestFields("", "", "", "", "")
	} else {
		route := site.Route()
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, route.Generation, "", "")
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
