package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/proxy"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 缓存存储 → 站点注册表(install/activate) → 配置监听 → Fiber server”顺序启动，
// ctx 取消后优雅关闭。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	provider, err := cache.NewProvider(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.WithError(err).Warn("cache_close_failed")
		}
	}()

	httpClient := server.NewUpstreamClient(cfg)
	registry, err := server.NewSiteRegistry(cfg, provider, httpClient, logger)
	if err != nil {
		return fmt.Errorf("构建站点注册表失败: %w", err)
	}

	fields := logging.BaseFields("startup", configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// install 失败的站点仍会注册，请求返回 503，直到下一次更新成功。
	if err := registry.Start(ctx); err != nil {
		logger.WithFields(logging.BaseFields("startup", configPath)).
			WithError(err).Warn("部分站点未能激活")
	}

	if _, err := config.Watch(configPath, reloadFunc(ctx, cfg, registry, logger, configPath), func(err error) {
		logger.WithFields(logging.BaseFields("reload", configPath)).WithError(err).Warn("config_reload_rejected")
	}); err != nil {
		logger.WithFields(logging.BaseFields("watch", configPath)).WithError(err).Warn("配置热加载不可用")
	}

	return startHTTPServer(ctx, cfg.Global.ListenPort, registry, logger)
}

// reloadFunc 返回配置变更回调：端口与存储设置需要重启才能生效，其余站点变更交给注册表处理。
func reloadFunc(ctx context.Context, initial *config.Config, registry *server.SiteRegistry, logger *logrus.Logger, configPath string) func(*config.Config) {
	return func(next *config.Config) {
		fields := logging.BaseFields("reload", configPath)
		if next.Global.ListenPort != initial.Global.ListenPort ||
			next.Global.StorageBackend != initial.Global.StorageBackend ||
			next.Global.StoragePath != initial.Global.StoragePath {
			logger.WithFields(fields).Warn("ListenPort/Storage 变更需重启后生效")
		}
		if err := registry.Reload(ctx, next); err != nil {
			logger.WithFields(fields).WithError(err).Error("config_reload_failed")
			return
		}
		fields["sites"] = config.SiteNames(next.Sites)
		logger.WithFields(fields).Info("配置已重新加载")
	}
}

func startHTTPServer(ctx context.Context, port int, registry *server.SiteRegistry, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, registry, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
