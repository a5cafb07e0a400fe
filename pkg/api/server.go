// Package api 通过 HTTP 暴露缓存操作、性能统计、阈值配置和 Prometheus 指标。
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"erpcache/pkg/cache"
	"erpcache/pkg/logger"
	"erpcache/pkg/metrics"
	"erpcache/pkg/scheduler"
)

// Options 服务依赖
type Options struct {
	Store         cache.Store
	Aggregator    *metrics.Aggregator
	Scheduler     *scheduler.Scheduler // 可选
	Gatherer      prometheus.Gatherer  // 为 nil 时使用 prometheus.DefaultGatherer
	DefaultWindow time.Duration        // 未指定 window 参数时的统计窗口
	Mode          string               // gin 模式
}

// Server HTTP 服务
type Server struct {
	store         cache.Store
	aggregator    *metrics.Aggregator
	scheduler     *scheduler.Scheduler
	gatherer      prometheus.Gatherer
	defaultWindow time.Duration
	router        *gin.Engine
	server        *http.Server
	log           *logrus.Entry
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewServer 创建服务并注册路由
func NewServer(opts Options) *Server {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 5 * time.Minute
	}

	s := &Server{
		store:         opts.Store,
		aggregator:    opts.Aggregator,
		scheduler:     opts.Scheduler,
		gatherer:      opts.Gatherer,
		defaultWindow: opts.DefaultWindow,
		log:           logger.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", s.getStats)
		v1.GET("/stats/queries", s.getQueryBreakdown)
		v1.GET("/metrics/export", s.exportMetrics)
		v1.DELETE("/metrics", s.clearMetrics)
		v1.GET("/thresholds", s.getThresholds)
		v1.PUT("/thresholds", s.updateThresholds)

		v1.GET("/cache/stats", s.getCacheStats)
		v1.POST("/cache/invalidate", s.invalidateCache)
		v1.DELETE("/cache", s.clearCache)

		v1.GET("/jobs", s.getJobs)
		v1.POST("/jobs/:name/run", s.runJob)
	}

	return router
}

// Start 在后台监听 port
func (s *Server) Start(port string) {
	s.server = &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("port", port).Info("starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("failed to gracefully shutdown server")
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.log.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request handled")
	}
}
