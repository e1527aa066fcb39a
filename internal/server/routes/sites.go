package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/server"
)

// SiteSource 是诊断接口依赖的最小站点查询能力，*server.SiteRegistry 满足该接口。
type SiteSource interface {
	List() []*server.SiteController
	Get(name string) (*server.SiteController, bool)
}

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，供运维查询站点版本、worker 状态与 generation 列表，
// 并支持手动触发一次更新（重新 install/activate）。
func RegisterSiteRoutes(app *fiber.App, sites SiteSource, logger *logrus.Logger) {
	if app == nil || sites == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		payload := make([]server.SiteStatus, 0)
		for _, ctrl := range sites.List() {
			status, err := ctrl.Status(ctx)
			if err != nil {
				logger.WithError(err).WithField("site", ctrl.Name()).Warn("site_status_failed")
			}
			payload = append(payload, status)
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		ctrl, ok := lookupSite(sites, c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		status, err := ctrl.Status(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(status)
	})

	app.Post("/-/sites/:name/update", func(c fiber.Ctx) error {
		ctrl, ok := lookupSite(sites, c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		ctx := requestContext(c)
		if err := ctrl.Update(ctx); err != nil {
			status, _ := ctrl.Status(ctx)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
				"site":   status,
			})
		}
		status, _ := ctrl.Status(ctx)
		return c.JSON(status)
	})
}

func lookupSite(sites SiteSource, raw string) (*server.SiteController, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return nil, false
	}
	return sites.Get(name)
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
