package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// Fetcher 是宿主提供的网络原语。实现方负责把站点 origin 映射到真实源站，
// 并完整读取响应正文；传输层失败返回 error，非 2xx 状态不是 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request, opts FetchOptions) (*Response, error)
}

// FetchOptions 控制单次网络请求。
type FetchOptions struct {
	// NoStore 要求绕过中间缓存（Cache-Control: no-cache）。
	NoStore bool
}

// FetcherFunc 允许用普通函数实现 Fetcher，测试中常用。
type FetcherFunc func(ctx context.Context, req *Request, opts FetchOptions) (*Response, error)

// Fetch 使 FetcherFunc 满足 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request, opts FetchOptions) (*Response, error) {
	return f(ctx, req, opts)
}

// Options 描述一个站点版本的 worker。
type Options struct {
	Site         string
	CacheName    string
	Origin       *url.URL
	Assets       []string
	DataPatterns []string
	FallbackPath string

	InstallTimeout     time.Duration
	MaxRetries         int
	InitialBackoff     time.Duration
	InstallConcurrency int
	MaxEntrySize       int64

	Storage cache.Storage
	Network Fetcher
	Logger  *logrus.Logger
}

// Worker 是单个站点、单个版本的离线缓存代理。
type Worker struct {
	site         string
	cacheName    string
	origin       *url.URL
	assets       []string
	fallbackPath string
	classifier   Classifier

	installTimeout time.Duration
	maxRetries     int
	initialBackoff time.Duration
	concurrency    int
	maxEntrySize   int64

	storage cache.Storage
	network Fetcher
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	generation  cache.Generation
	skipWaiting bool
	installed   *InstallReport
}

// New 校验依赖并构造处于 StateNew 的 worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("site origin is required")
	}
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fallback := opts.FallbackPath
	if fallback == "" {
		fallback = "/index.html"
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		site:           opts.Site,
		cacheName:      opts.CacheName,
		origin:         opts.Origin,
		assets:         append([]string(nil), opts.Assets...),
		fallbackPath:   fallback,
		classifier:     NewClassifier(opts.Origin, opts.DataPatterns),
		installTimeout: opts.InstallTimeout,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		concurrency:    concurrency,
		maxEntrySize:   opts.MaxEntrySize,
		storage:        opts.Storage,
		network:        opts.Network,
		logger:         logger,
		state:          StateNew,
	}, nil
}

// CacheName 返回该版本的 generation 名称。
func (w *Worker) CacheName() string {
	return w.cacheName
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaiting 报告 install 完成后是否要求立即接管。
func (w *Worker) SkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// LastInstall 返回最近一次 install 的报告，未安装时为 nil。
func (w *Worker) LastInstall() *InstallReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.installed == nil {
		return nil
	}
	report := w.installed.clone()
	return &report
}

// Classify 暴露分类结果，便于 HTTP 层记录日志。
func (w *Worker) Classify(req *Request) Classification {
	return w.classifier.Classify(req)
}

// MarkRedundant 在新版本接管后调用，之后的事件一律拒绝。
func (w *Worker) MarkRedundant() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateRedundant
}

func (w *Worker) transition(event string, from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return transitionError(event, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) currentGeneration() cache.Generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// Install 打开（创建）当前版本的 generation 并预缓存清单。
// 单个资源失败只会被跳过；只有 generation 本身无法打开时才返回错误，此时 worker 变为 redundant。
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	if err := w.transition("install", StateNew, StateInstalling); err != nil {
		return InstallReport{}, err
	}
	started := time.Now()

	gen, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(logging.LifecycleFields(w.site, w.cacheName, "install")).
			WithError(err).Error("install_failed")
		return InstallReport{}, fmt.Errorf("open generation %s: %w", w.cacheName, err)
	}

	results := make([]assetResult, len(w.assets))
	event := newExtendableEvent(ctx, "install", w.concurrency)
	w.onInstall(event, gen, results)
	if err := event.Wait(); err != nil {
		w.setState(StateRedundant)
		return InstallReport{}, err
	}

	report := newInstallReport(w.cacheName, results, time.Since(started))
	w.mu.Lock()
	w.generation = gen
	w.state = StateInstalled
	w.skipWaiting = true
	w.installed = &report
	w.mu.Unlock()

	fields := logging.LifecycleFields(w.site, w.cacheName, "install")
	fields["stored"] = len(report.Stored)
	fields["skipped"] = len(report.Skipped)
	fields["elapsed_ms"] = report.Duration.Milliseconds()
	w.logger.WithFields(fields).Info("install_complete")
	return report, nil
}

// onInstall 为每个清单条目登记一个独立任务，任务之间互不影响。
func (w *Worker) onInstall(event *ExtendableEvent, gen cache.Generation, results []assetResult) {
	writer := cache.NewWriter(gen, w.maxEntrySize)
	for i, asset := range w.assets {
		i, asset := i, asset
		event.WaitUntil(func(ctx context.Context) error {
			results[i] = w.precache(ctx, writer, asset)
			return nil
		})
	}
}

func (w *Worker) precache(ctx context.Context, writer cache.Writer, asset string) assetResult {
	result := assetResult{Path: asset}
	req := &Request{
		Method: http.MethodGet,
		URL:    w.origin.ResolveReference(&url.URL{Path: asset}),
		Header: http.Header{},
		Mode:   ModeNoCORS,
	}

	resp, err := w.fetchWithRetry(ctx, req)
	switch {
	case err != nil:
		result.Reason = err.Error()
	case !resp.OK():
		result.Reason = fmt.Sprintf("status %d", resp.Status)
	default:
		if putErr := writer.Put(ctx, req.CacheKey(), resp.Status, resp.Header, resp.Body); putErr != nil {
			result.Reason = putErr.Error()
		} else {
			result.Stored = true
		}
	}

	if !result.Stored {
		fields := logging.LifecycleFields(w.site, w.cacheName, "install")
		fields["asset"] = asset
		fields["reason"] = result.Reason
		w.logger.WithFields(fields).Warn("install_asset_skipped")
	}
	return result
}

// fetchWithRetry 对传输层错误做指数退避重试，每次尝试都受 installTimeout 约束。
// 非 2xx 响应不重试。
func (w *Worker) fetchWithRetry(ctx context.Context, req *Request) (*Response, error) {
	backoff := w.initialBackoff
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			if backoff > 0 {
				timer := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				backoff *= 2
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if w.installTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, w.installTimeout)
		}
		resp, err := w.network.Fetch(attemptCtx, req, FetchOptions{NoStore: true})
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrOffline, lastErr)
}

// Activate 删除当前版本之外的全部 generation，成功后进入 activated。
// 删除失败时回到 installed，调用方可以重试。
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	if err := w.transition("activate", StateInstalled, StateActivating); err != nil {
		return ActivateReport{}, err
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return ActivateReport{}, fmt.Errorf("list generations: %w", err)
	}

	var (
		mu     sync.Mutex
		purged []string
	)
	event := newExtendableEvent(ctx, "activate", w.concurrency)
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		name := name
		event.WaitUntil(func(ctx context.Context) error {
			deleted, err := w.storage.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete generation %s: %w", name, err)
			}
			if deleted {
				mu.Lock()
				purged = append(purged, name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := event.Wait(); err != nil {
		w.setState(StateInstalled)
		w.logger.WithFields(logging.LifecycleFields(w.site, w.cacheName, "activate")).
			WithError(err).Error("activate_failed")
		return ActivateReport{}, err
	}

	w.setState(StateActivated)
	report := ActivateReport{Generation: w.cacheName, Purged: sortedCopy(purged)}
	fields := logging.LifecycleFields(w.site, w.cacheName, "activate")
	fields["purged"] = report.Purged
	w.logger.WithFields(fields).Info("activate_purged")
	return report, nil
}

// Fetch 拦截一次请求：过滤、分类、按策略分派。
// 非拦截请求原样转发且不触碰缓存；dynamic-data 永远不返回错误。
func (w *Worker) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if state := w.State(); state != StateActivated {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	class := w.classifier.Classify(req)

	var (
		resp *Response
		err  error
	)
	switch class {
	case ClassCrossOrigin, ClassNonGet:
		resp, err = w.passthrough(ctx, req)
	case ClassDynamicData:
		resp = w.networkFirst(ctx, req)
	default:
		resp, err = w.cacheFirst(ctx, req, class == ClassNavigation)
	}
	if err != nil {
		return nil, err
	}
	resp.Classification = class
	return resp, nil
}

func (w *Worker) passthrough(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.network.Fetch(ctx, req, FetchOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOffline, err)
	}
	resp.Source = SourcePassthrough
	return resp, nil
}
