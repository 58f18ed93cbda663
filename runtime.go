package main

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/talintel/sitecache/internal/cache"
	"github.com/talintel/sitecache/internal/config"
	"github.com/talintel/sitecache/internal/logging"
	"github.com/talintel/sitecache/internal/proxy"
	"github.com/talintel/sitecache/internal/server"
	"github.com/talintel/sitecache/internal/server/routes"
	"github.com/talintel/sitecache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// siteRuntime 聚合一次运行所需的共享组件：存储、回源 client、worker 控制器与 Fiber app。
type siteRuntime struct {
	configPath string
	logger     *logrus.Logger
	storage    cache.Storage
	network    worker.Network
	controller *worker.Controller
	handler    *proxy.Handler
	app        *fiber.App

	mu   sync.Mutex
	site config.SiteConfig
}

func newSiteRuntime(ctx context.Context, cfg *config.Config, configPath string, storage cache.Storage, logger *logrus.Logger) (*siteRuntime, error) {
	origin, err := cfg.Site.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("解析源站失败: %w", err)
	}

	network := worker.NewHTTPNetwork(server.NewUpstreamClient(cfg))
	controller := worker.NewController(logger)
	handler := proxy.NewHandler(controller, network, origin, logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterCacheRoutes(app, controller, storage)

	rt := &siteRuntime{
		configPath: configPath,
		logger:     logger,
		storage:    storage,
		network:    network,
		controller: controller,
		handler:    handler,
		app:        app,
		site:       cfg.Site,
	}

	// 首次安装失败时不中断启动：请求以透传方式直达源站，待下次配置变更重试。
	if _, err := controller.Register(ctx, rt.workerOptions(cfg.Site, origin)); err != nil {
		logger.WithFields(logging.BaseFields("worker_register", configPath)).
			WithError(err).Error("worker_register_failed")
	}
	return rt, nil
}

func (rt *siteRuntime) workerOptions(site config.SiteConfig, origin *url.URL) worker.Options {
	return worker.Options{
		Version:  site.CacheVersion,
		Origin:   origin,
		Precache: site.Precache,
		Policy:   worker.NewPolicy(site.CacheableDestinations, site.CacheableSuffixes),
		Storage:  rt.storage,
		Network:  rt.network,
		Logger:   rt.logger,
	}
}

// reload 是 config.Watch 的回调：站点相关配置变化时注册新 worker。
// 监听端口、日志与存储参数需要重启进程才会生效。
func (rt *siteRuntime) reload(cfg *config.Config, err error) {
	fields := logging.BaseFields("config_reload", rt.configPath)
	if err != nil {
		rt.logger.WithFields(fields).WithError(err).Warn("config_reload_rejected")
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.site.WorkerChanged(cfg.Site) && rt.controller.Active() != nil {
		rt.logger.WithFields(fields).Debug("config_reload_unchanged")
		return
	}

	origin, err := cfg.Site.OriginURL()
	if err != nil {
		rt.logger.WithFields(fields).WithError(err).Warn("config_reload_rejected")
		return
	}

	w, err := rt.controller.Register(context.Background(), rt.workerOptions(cfg.Site, origin))
	if err != nil {
		rt.logger.WithFields(fields).WithError(err).Error("worker_register_failed")
		return
	}
	rt.handler.SetOrigin(origin)
	rt.site = cfg.Site

	fields["cache_version"] = w.Version()
	rt.logger.WithFields(fields).Info("config_reloaded")
}

// serve 监听端口直到 ctx 结束，随后关闭 Fiber 并等待在途缓存写入完成。
func (rt *siteRuntime) serve(ctx context.Context, port int) error {
	errCh := make(chan error, 1)
	go func() {
		rt.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- rt.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := rt.app.ShutdownWithContext(shutdownCtx)
	rt.controller.Wait()
	rt.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("服务已停止")
	return err
}
