package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// SiteRegistry 提供 Host/Host:port 到 SiteController 的查询能力，所有站点共享同一个监听端口。
// Reload 可在运行期替换配置，查询与替换并发安全。
type SiteRegistry struct {
	provider cache.Provider
	client   *http.Client
	logger   *logrus.Logger

	mu      sync.RWMutex
	byHost  map[string]*SiteController
	byName  map[string]*SiteController
	ordered []*SiteController
}

// NewSiteRegistry 根据配置构建站点映射，不会触发 install，调用方需要再调用 Start。
func NewSiteRegistry(cfg *config.Config, provider cache.Provider, client *http.Client, logger *logrus.Logger) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if provider == nil {
		return nil, errors.New("cache provider is required")
	}
	if client == nil {
		client = NewUpstreamClient(cfg)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	registry := &SiteRegistry{provider: provider, client: client, logger: logger}
	byHost, byName, ordered, err := registry.build(cfg, nil)
	if err != nil {
		return nil, err
	}
	registry.byHost, registry.byName, registry.ordered = byHost, byName, ordered
	return registry, nil
}

// build 按配置生成新的映射；existing 中同名站点的控制器会被复用。
func (r *SiteRegistry) build(cfg *config.Config, existing map[string]*SiteController) (map[string]*SiteController, map[string]*SiteController, []*SiteController, error) {
	byHost := make(map[string]*SiteController, len(cfg.Sites))
	byName := make(map[string]*SiteController, len(cfg.Sites))
	ordered := make([]*SiteController, 0, len(cfg.Sites))

	for _, site := range cfg.Sites {
		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, nil, nil, err
		}
		host := route.Origin.Hostname()
		if _, exists := byHost[host]; exists {
			return nil, nil, nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
		}

		ctrl, ok := existing[site.Name]
		if !ok {
			storage, err := r.provider.Storage(site.Name)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("site %s storage: %w", site.Name, err)
			}
			ctrl = newSiteController(route, storage, r.client, r.logger)
		}
		byHost[host] = ctrl
		byName[site.Name] = ctrl
		ordered = append(ordered, ctrl)
	}
	return byHost, byName, ordered, nil
}

// Start 并发为所有站点执行首次 install/activate。
// 单个站点失败不会影响其他站点，返回值汇总全部失败。
func (r *SiteRegistry) Start(ctx context.Context) error {
	return r.update(ctx, r.List())
}

func (r *SiteRegistry) update(ctx context.Context, ctrls []*SiteController) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, ctrl := range ctrls {
		ctrl := ctrl
		group.Go(func() error {
			if err := ctrl.Update(groupCtx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// Reload 应用新配置：新增站点执行首次 install；generation 或清单变化的站点执行更新；
// 未变化的站点保持原 worker；被移除的站点停止路由（其缓存保留在存储中）。
func (r *SiteRegistry) Reload(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	r.mu.RLock()
	existing := make(map[string]*SiteController, len(r.byName))
	for name, ctrl := range r.byName {
		existing[name] = ctrl
	}
	r.mu.RUnlock()

	// 先计算需要更新的站点，再替换映射，保证新旧路由在任意时刻都完整可用。
	var changed []*SiteController
	pending := make(map[*SiteController]*SiteRoute)
	for _, site := range cfg.Sites {
		ctrl, ok := existing[site.Name]
		if !ok {
			continue
		}
		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return err
		}
		if !ctrl.Route().sameDeployment(route) || ctrl.Active() == nil {
			changed = append(changed, ctrl)
		}
		pending[ctrl] = route
	}

	byHost, byName, ordered, err := r.build(cfg, existing)
	if err != nil {
		return err
	}
	for ctrl, route := range pending {
		ctrl.setRoute(route)
	}
	for _, ctrl := range ordered {
		if _, reused := pending[ctrl]; !reused {
			changed = append(changed, ctrl)
		}
	}

	r.mu.Lock()
	r.byHost, r.byName, r.ordered = byHost, byName, ordered
	r.mu.Unlock()

	for name := range existing {
		if _, kept := byName[name]; !kept {
			fields := logging.LifecycleFields(name, "", "remove")
			r.logger.WithFields(fields).Warn("site_removed")
		}
	}

	fields := logging.BaseFields("reload", "")
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["updating"] = len(changed)
	r.logger.WithFields(fields).Info("config_reloaded")

	return r.update(ctx, changed)
}

// Lookup 根据 Host 或 Host:port 查找站点控制器。
func (r *SiteRegistry) Lookup(host string) (*SiteController, bool) {
	if r == nil {
		return nil, false
	}
	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrl, ok := r.byHost[normalizedHost]
	return ctrl, ok
}

// Get 按站点名称查找控制器。
func (r *SiteRegistry) Get(name string) (*SiteController, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrl, ok := r.byName[name]
	return ctrl, ok
}

// List 返回按配置顺序排列的站点控制器。
func (r *SiteRegistry) List() []*SiteController {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*SiteController(nil), r.ordered...)
}
