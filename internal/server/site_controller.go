package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// SiteController 持有一个站点当前生效的 worker，并负责版本更新：
// 新 worker install 完成后立即 activate（skip waiting），随后原子替换指针接管所有后续请求（claim）。
// 更新期间旧 worker 继续服务。
type SiteController struct {
	route  atomic.Pointer[SiteRoute]
	active atomic.Pointer[worker.Worker]

	storage cache.Storage
	client  *http.Client
	logger  *logrus.Logger

	updateMu sync.Mutex

	statusMu     sync.RWMutex
	lastActivate *worker.ActivateReport
	lastError    string
	updatedAt    time.Time
}

func newSiteController(route *SiteRoute, storage cache.Storage, client *http.Client, logger *logrus.Logger) *SiteController {
	ctrl := &SiteController{
		storage: storage,
		client:  client,
		logger:  logger,
	}
	ctrl.route.Store(route)
	return ctrl
}

// Route 返回当前配置。
func (c *SiteController) Route() *SiteRoute {
	return c.route.Load()
}

// Active 返回正在接管请求的 worker，尚未成功激活时为 nil。
func (c *SiteController) Active() *worker.Worker {
	return c.active.Load()
}

// Name 返回站点名称。
func (c *SiteController) Name() string {
	return c.Route().Config.Name
}

func (c *SiteController) setRoute(route *SiteRoute) {
	c.route.Store(route)
}

// Update 针对当前配置创建新 worker 并执行 install → activate → claim。
// 失败时保留旧 worker 继续服务。
func (c *SiteController) Update(ctx context.Context) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	route := c.Route()
	next, err := worker.New(worker.Options{
		Site:               route.Config.Name,
		CacheName:          route.Generation,
		Origin:             route.Origin,
		Assets:             route.Assets,
		DataPatterns:       route.DataPatterns,
		FallbackPath:       route.FallbackPath,
		InstallTimeout:     route.InstallTimeout,
		MaxRetries:         route.MaxRetries,
		InitialBackoff:     route.InitialBackoff,
		InstallConcurrency: route.InstallConcurrency,
		MaxEntrySize:       route.MaxEntrySize,
		Storage:            c.storage,
		Network:            NewUpstreamFetcher(c.client, route),
		Logger:             c.logger,
	})
	if err != nil {
		return c.fail(fmt.Errorf("site %s: %w", route.Config.Name, err))
	}

	if _, err := next.Install(ctx); err != nil {
		return c.fail(fmt.Errorf("site %s install: %w", route.Config.Name, err))
	}
	if !next.SkipWaiting() {
		return c.fail(fmt.Errorf("site %s: installed worker is waiting", route.Config.Name))
	}
	activated, err := next.Activate(ctx)
	if err != nil {
		next.MarkRedundant()
		return c.fail(fmt.Errorf("site %s activate: %w", route.Config.Name, err))
	}

	previous := c.active.Swap(next)
	if previous != nil && previous != next {
		previous.MarkRedundant()
	}

	c.statusMu.Lock()
	c.lastActivate = &activated
	c.lastError = ""
	c.updatedAt = time.Now().UTC()
	c.statusMu.Unlock()

	c.logger.WithFields(logging.LifecycleFields(route.Config.Name, route.Generation, "claim")).Info("site_claimed")
	return nil
}

func (c *SiteController) fail(err error) error {
	c.statusMu.Lock()
	c.lastError = err.Error()
	c.updatedAt = time.Now().UTC()
	c.statusMu.Unlock()

	route := c.Route()
	c.logger.WithFields(logging.LifecycleFields(route.Config.Name, route.Generation, "update")).
		WithError(err).Error("site_update_failed")
	return err
}

// SiteStatus 是诊断接口输出的站点快照。
type SiteStatus struct {
	Name             string                 `json:"name"`
	Domain           string                 `json:"domain"`
	Upstream         string                 `json:"upstream"`
	Generation       string                 `json:"generation"`
	ActiveGeneration string                 `json:"active_generation,omitempty"`
	State            string                 `json:"state"`
	Generations      []string               `json:"generations"`
	Assets           int                    `json:"assets"`
	LastInstall      *worker.InstallReport  `json:"last_install,omitempty"`
	LastActivate     *worker.ActivateReport `json:"last_activate,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Status 汇总配置、worker 状态与存储中的 generation 列表。
func (c *SiteController) Status(ctx context.Context) (SiteStatus, error) {
	route := c.Route()
	status := SiteStatus{
		Name:       route.Config.Name,
		Domain:     route.Config.Domain,
		Upstream:   route.Config.Upstream,
		Generation: route.Generation,
		State:      "none",
		Assets:     len(route.Assets),
	}
	if active := c.Active(); active != nil {
		status.State = active.State().String()
		status.ActiveGeneration = active.CacheName()
		status.LastInstall = active.LastInstall()
	}

	c.statusMu.RLock()
	status.LastActivate = c.lastActivate
	status.LastError = c.lastError
	status.UpdatedAt = c.updatedAt
	c.statusMu.RUnlock()

	names, err := c.storage.Names(ctx)
	if err != nil {
		return status, fmt.Errorf("list generations: %w", err)
	}
	status.Generations = names
	return status, nil
}
