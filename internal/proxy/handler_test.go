package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/server"
)

func TestHandlerServesPrecachedAssetsFromCache(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.get(t, "/style.css", nil)
	assertSource(t, resp, "cache")
	if body := readBody(t, resp); body != "body{}" {
		t.Fatalf("unexpected body %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("cached content type should be replayed, got %s", ct)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestHandlerOfflineBehaviour(t *testing.T) {
	env := newProxyEnv(t, true)
	env.origin.Close()

	resp := env.get(t, "/journal.html", http.Header{"Sec-Fetch-Mode": []string{"navigate"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("offline navigation should succeed, got %d", resp.StatusCode)
	}
	assertSource(t, resp, "fallback")
	if body := readBody(t, resp); body != "<h1>journal</h1>" {
		t.Fatalf("expected fallback document, got %s", body)
	}

	resp = env.get(t, "/reflections.json", nil)
	assertSource(t, resp, "synthesized")
	if body := readBody(t, resp); body != "[]" {
		t.Fatalf("expected empty json array, got %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected application/json, got %s", ct)
	}

	resp = env.get(t, "/never.png", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("uncached static asset offline should fail with 502, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
}

func TestHandlerPassesPostThroughWithoutCaching(t *testing.T) {
	env := newProxyEnv(t, true)
	before := env.keys(t)

	req := httptest.NewRequest(http.MethodPost, "http://journal.local/add_reflection", strings.NewReader(`{"text":"hi"}`))
	req.Host = "journal.local"
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected upstream 201, got %d", resp.StatusCode)
	}
	assertSource(t, resp, "passthrough")
	if body := readBody(t, resp); body != `{"text":"hi"}` {
		t.Fatalf("upstream should receive the original body, echoed %s", body)
	}
	if after := env.keys(t); len(after) != len(before) {
		t.Fatalf("POST must not touch the cache: before=%v after=%v", before, after)
	}
}

func TestHandlerStoresDynamicDataForOfflineUse(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.get(t, "/reflections.json", nil)
	assertSource(t, resp, "network")
	env.origin.Close()

	resp = env.get(t, "/reflections.json", nil)
	assertSource(t, resp, "cache")
	if body := readBody(t, resp); body != `["day one"]` {
		t.Fatalf("expected cached reflections, got %s", body)
	}
}

func TestHandlerReportsInactiveSite(t *testing.T) {
	env := newProxyEnv(t, false)

	resp := env.get(t, "/index.html", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for inactive site, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "site_inactive") {
		t.Fatalf("expected site_inactive, got %s", body)
	}
}

type proxyEnv struct {
	app      *fiber.App
	origin   *httptest.Server
	provider cache.Provider
}

func newProxyEnv(t *testing.T, start bool) *proxyEnv {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/add_reflection":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.Copy(w, r.Body)
		case r.URL.Path == "/" || r.URL.Path == "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<h1>journal</h1>"))
		case r.URL.Path == "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		case r.URL.Path == "/reflections.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`["day one"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			MaxEntrySize:       1 << 20,
			InitialBackoff:     config.Duration(time.Millisecond),
			UpstreamTimeout:    config.Duration(2 * time.Second),
			InstallTimeout:     config.Duration(time.Second),
			InstallConcurrency: 2,
		},
		Sites: []config.SiteConfig{{
			Name:         "journal",
			Domain:       "journal.local",
			Upstream:     origin.URL,
			CacheVersion: "v1",
			Assets:       []string{"/", "/index.html", "/style.css"},
			DataPaths:    []string{"/reflections.json"},
			FallbackPath: "/index.html",
		}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	provider := cache.NewMemoryProvider()
	registry, err := server.NewSiteRegistry(cfg, provider, server.NewUpstreamClient(cfg), logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if start {
		if err := registry.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &proxyEnv{app: app, origin: origin, provider: provider}
}

func (e *proxyEnv) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://journal.local"+path, nil)
	req.Host = "journal.local"
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := e.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func (e *proxyEnv) keys(t *testing.T) []cache.Key {
	t.Helper()
	storage, err := e.provider.Storage("journal")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	gen, err := storage.Open(context.Background(), "journal-v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}

func assertSource(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	if got := resp.Header.Get(CacheSourceHeader); got != want {
		t.Fatalf("expected %s=%s, got %q (status %d)", CacheSourceHeader, want, got, resp.StatusCode)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
