package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
)

var errConnRefused = errors.New("dial tcp: connection refused")

// fakeNetwork 按路径返回预设响应，可切换为离线并统计调用次数。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*Response
	failing   map[string]bool
	offline   bool
	calls     []string
	noStore   []bool
	delay     time.Duration
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]*Response{}, failing: map[string]bool{}}
}

func (n *fakeNetwork) serve(path string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	n.responses[path] = &Response{Status: status, Header: header, Body: []byte(body)}
}

func (n *fakeNetwork) fail(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[path] = true
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request, opts FetchOptions) (*Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	n.noStore = append(n.noStore, opts.NoStore)
	delay := n.delay
	offline := n.offline || n.failing[req.URL.Path]
	resp, ok := n.responses[req.URL.RequestURI()]
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if offline {
		return nil, errConnRefused
	}
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &Response{Status: resp.Status, Header: resp.Header.Clone(), Body: append([]byte(nil), resp.Body...)}, nil
}

func testOrigin() *url.URL {
	return &url.URL{Scheme: "http", Host: "journal.local"}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestWorker(t *testing.T, storage cache.Storage, network Fetcher, cacheName string, assets []string) *Worker {
	t.Helper()
	w, err := New(Options{
		Site:               "journal",
		CacheName:          cacheName,
		Origin:             testOrigin(),
		Assets:             assets,
		DataPatterns:       []string{"/reflections.json", "/api/*"},
		FallbackPath:       "/index.html",
		InstallTimeout:     time.Second,
		MaxRetries:         0,
		InstallConcurrency: 4,
		MaxEntrySize:       1 << 20,
		Storage:            storage,
		Network:            network,
		Logger:             testLogger(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

// activeWorker 构造并完成 install/activate 的 worker。
func activeWorker(t *testing.T, storage cache.Storage, network Fetcher, assets []string) *Worker {
	t.Helper()
	w := newTestWorker(t, storage, network, "journal-v1", assets)
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func newStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewMemoryProvider().Storage("journal")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	return storage
}

func mustRequest(t *testing.T, method, rawURL string, header http.Header) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL, header)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req
}

func navigateHeader() http.Header {
	return http.Header{"Sec-Fetch-Mode": []string{"navigate"}, "Accept": []string{"text/html"}}
}

func generationKeys(t *testing.T, storage cache.Storage, name string) []cache.Key {
	t.Helper()
	gen, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}
