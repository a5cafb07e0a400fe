package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"erpcache/pkg/api"
	"erpcache/pkg/cache"
	"erpcache/pkg/config"
	"erpcache/pkg/decorator"
	"erpcache/pkg/exporter"
	"erpcache/pkg/fetch"
	"erpcache/pkg/logger"
	"erpcache/pkg/metrics"
	"erpcache/pkg/scheduler"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/erpcache.yaml)")
	logLevel   = flag.String("log-level", "", "日志级别，覆盖配置文件 (debug, info, warn, error)")
	logFormat  = flag.String("log-format", "", "日志格式，覆盖配置文件 (json or text)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.GetLogger().WithError(err).Fatal("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}
	if *logFormat != "" {
		cfg.Logger.Format = *logFormat
	}
	logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})
	log := logger.WithComponent("main")

	application, err := newApp(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize erpcache")
	}

	application.start()
	log.WithFields(logrus.Fields{
		"backend": cfg.Cache.Backend,
		"port":    cfg.Server.Port,
	}).Info("erpcache started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down erpcache...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	application.shutdown(ctx)
}

// app 进程内唯一的一组组件，由启动流程构造并在关闭时按顺序释放
type app struct {
	cfg          *config.Config
	store        cache.Store
	aggregator   *metrics.Aggregator
	orchestrator *fetch.Orchestrator
	scheduler    *scheduler.Scheduler
	sink         *exporter.InfluxSink
	server       *api.Server
	log          *logrus.Entry
}

func newApp(cfg *config.Config) (*app, error) {
	log := logger.WithComponent("main")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	storeMetrics, err := cache.NewStoreMetrics(registry)
	if err != nil {
		return nil, err
	}
	store, err := cache.New(cfg.Cache, storeMetrics)
	if err != nil {
		return nil, err
	}

	agg := metrics.NewAggregator(metrics.Options{
		MaxSamples:     cfg.Metrics.MaxSamples,
		SampleInterval: cfg.Metrics.SampleInterval,
		Thresholds:     metrics.ThresholdsFromConfig(cfg.Metrics.Thresholds),
		Cache:          store,
	})
	registry.MustRegister(metrics.NewCollector(agg, cfg.Metrics.StatsWindow))
	agg.OnAlert(func(alert metrics.Alert) error {
		entry := log.WithFields(logrus.Fields{"kind": alert.Kind, "severity": alert.Severity})
		if alert.Severity == metrics.SeverityCritical {
			entry.Error(alert.Message)
		} else {
			entry.Warn(alert.Message)
		}
		return nil
	})

	a := &app{
		cfg:          cfg,
		store:        store,
		aggregator:   agg,
		orchestrator: fetch.NewOrchestrator(store, agg, fetch.RetryConfigFrom(cfg.Retry)),
		scheduler:    scheduler.New(),
		log:          log,
	}

	if cfg.Influx.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, err := exporter.NewInfluxSink(ctx, cfg.Influx, agg)
		cancel()
		if err != nil {
			log.WithError(err).Warn("InfluxDB unavailable, export disabled")
		} else {
			a.sink = sink
			agg.OnAlert(sink.WriteAlert)
		}
	}

	if err := a.registerJobs(); err != nil {
		a.shutdown(context.Background())
		return nil, err
	}

	a.server = api.NewServer(api.Options{
		Store:         store,
		Aggregator:    agg,
		Scheduler:     a.scheduler,
		Gatherer:      registry,
		DefaultWindow: cfg.Metrics.StatsWindow,
		Mode:          cfg.Server.Mode,
	})

	return a, nil
}

func (a *app) registerJobs() error {
	jobs := a.cfg.Jobs

	if a.sink != nil {
		err := a.scheduler.AddJob(scheduler.JobConfigFrom("export", jobs.Export), func(ctx context.Context) error {
			_, err := a.sink.Export(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	if err := a.scheduler.AddJob(scheduler.JobConfigFrom("health_probe", jobs.HealthProbe), a.healthProbe()); err != nil {
		return err
	}

	return a.scheduler.AddJob(scheduler.JobConfigFrom("stats_report", jobs.StatsReport), a.statsReport)
}

// healthProbe 探测缓存后端连接并记录为连接样本，启用熔断时探测经过熔断器
func (a *app) healthProbe() scheduler.Task {
	ping := decorator.QueryFunc[struct{}](func(ctx context.Context) (struct{}, error) {
		if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			return struct{}{}, p.Ping(ctx)
		}
		return struct{}{}, nil
	})

	if a.cfg.Breaker.Enabled {
		ping = decorator.WithCircuitBreaker(decorator.NewCircuitBreaker("cache-backend", a.cfg.Breaker), ping)
	}

	probe := decorator.InstrumentConnection(a.aggregator, func(ctx context.Context) error {
		_, err := ping(ctx)
		return err
	})

	return func(ctx context.Context) error {
		_, err := probe(ctx)
		return err
	}
}

func (a *app) statsReport(ctx context.Context) error {
	stats := a.aggregator.GetStats(a.cfg.Metrics.StatsWindow)
	cacheStats := a.store.Stats()

	a.log.WithFields(logrus.Fields{
		"window":          stats.Window.String(),
		"queries":         stats.Queries.Total,
		"error_rate":      stats.Queries.ErrorRate,
		"avg_duration_ms": stats.Queries.AvgDuration.Milliseconds(),
		"query_hit_rate":  stats.Queries.CacheHitRate,
		"connections":     stats.Connections.Total,
		"cache_size":      cacheStats.Size,
		"cache_hit_rate":  cacheStats.HitRate,
		"cache_evictions": cacheStats.EvictionCount,
	}).Info("performance report")
	return nil
}

func (a *app) start() {
	a.scheduler.Start()
	a.server.Start(a.cfg.Server.Port)
}

func (a *app) shutdown(ctx context.Context) {
	if a.server != nil {
		a.server.Stop(ctx)
	}
	a.scheduler.Stop()
	a.orchestrator.Wait()

	// 先停止资源采样，避免采样触发的告警写入已关闭的导出器
	a.aggregator.Close()

	if a.sink != nil {
		if _, err := a.sink.Export(ctx); err != nil {
			a.log.WithError(err).Warn("final export failed")
		}
		a.sink.Close()
	}

	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Error("Failed to close cache store")
	}
	a.log.Info("erpcache stopped")
}
