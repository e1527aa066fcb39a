package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://journal.local:5000/index.html", nil)
	req.Host = "journal.local:5000"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Offline-Hub-Host"))
	}

	if app.storage.siteName != "journal" {
		t.Fatalf("expected journal site, got %s", app.storage.siteName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/index.html", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if app.storage.siteName != "" {
		t.Fatalf("proxy handler must not be invoked for unmapped hosts")
	}
}

func TestRouterLeavesDiagnosticsPathsToLaterRoutes(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("diagnostics route should bypass host lookup, got %d %s", resp.StatusCode, string(body))
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("missing registry should fail")
	}
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry := newTestRegistry(t, testSiteConfig(port, "https://example.github.io"))
	if _, ok := registry.Lookup("journal.local"); !ok {
		t.Fatalf("registry lookup failed for journal")
	}

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     discardLogger(),
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

func newTestRegistry(t *testing.T, cfg *config.Config) *SiteRegistry {
	t.Helper()
	registry, err := NewSiteRegistry(cfg, cache.NewMemoryProvider(), NewUpstreamClient(cfg), discardLogger())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry
}

func testSiteConfig(port int, upstream string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         port,
			StorageBackend:     "memory",
			MaxEntrySize:       1 << 20,
			InitialBackoff:     config.Duration(time.Millisecond),
			UpstreamTimeout:    config.Duration(5 * time.Second),
			InstallTimeout:     config.Duration(2 * time.Second),
			InstallConcurrency: 2,
		},
		Sites: []config.SiteConfig{
			{
				Name:         "journal",
				Domain:       "journal.local",
				Upstream:     upstream,
				CacheVersion: "v1",
				Assets:       []string{"/", "/index.html", "/style.css"},
				DataPaths:    []string{"/reflections.json"},
				FallbackPath: "/index.html",
			},
		},
	}
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type proxyRecorder struct {
	siteName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, site *SiteController) error {
	p.siteName = site.Name()
	return c.SendStatus(fiber.StatusNoContent)
}
