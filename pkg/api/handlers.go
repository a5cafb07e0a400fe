package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"erpcache/pkg/cache"
	"erpcache/pkg/metrics"
)

// pinger 支持连接检查的缓存后端
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	services := map[string]string{"cache": "ok"}

	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			services["cache"] = "error: " + err.Error()
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"backend":   s.store.Stats().Backend,
		"services":  services,
	})
}

// window 解析 window 查询参数，缺省时使用默认窗口，"0" 表示全部样本
func (s *Server) window(c *gin.Context) (time.Duration, bool) {
	raw := c.Query("window")
	if raw == "" {
		return s.defaultWindow, true
	}
	if raw == "0" {
		return 0, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid window: " + raw})
		return 0, false
	}
	return d, true
}

func (s *Server) getStats(c *gin.Context) {
	window, ok := s.window(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.aggregator.GetStats(window))
}

func (s *Server) getQueryBreakdown(c *gin.Context) {
	window, ok := s.window(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.aggregator.GetQueryBreakdown(window))
}

func (s *Server) exportMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.aggregator.ExportMetrics())
}

func (s *Server) clearMetrics(c *gin.Context) {
	s.aggregator.ClearMetrics()
	c.Status(http.StatusNoContent)
}

func (s *Server) getThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, s.aggregator.Thresholds())
}

// thresholdsRequest 阈值的部分更新，时长使用 Go duration 字符串
type thresholdsRequest struct {
	QueryWarning       *string `json:"query_warning"`
	QueryCritical      *string `json:"query_critical"`
	ConnectionWarning  *string `json:"connection_warning"`
	ConnectionCritical *string `json:"connection_critical"`
	MemoryWarning      *uint64 `json:"memory_warning"`
	MemoryCritical     *uint64 `json:"memory_critical"`
}

func (r thresholdsRequest) toUpdate() (metrics.ThresholdsUpdate, error) {
	update := metrics.ThresholdsUpdate{
		MemoryWarning:  r.MemoryWarning,
		MemoryCritical: r.MemoryCritical,
	}

	fields := []struct {
		raw *string
		dst **time.Duration
	}{
		{r.QueryWarning, &update.QueryWarning},
		{r.QueryCritical, &update.QueryCritical},
		{r.ConnectionWarning, &update.ConnectionWarning},
		{r.ConnectionCritical, &update.ConnectionCritical},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			return metrics.ThresholdsUpdate{}, err
		}
		*f.dst = &d
	}
	return update, nil
}

func (s *Server) updateThresholds(c *gin.Context) {
	var req thresholdsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	update, err := req.toUpdate()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.aggregator.UpdateThresholds(update))
}

func (s *Server) getCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Stats())
}

type invalidateRequest struct {
	Key string `json:"key"`
	Tag string `json:"tag"`
}

func (s *Server) invalidateCache(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	if (req.Key == "") == (req.Tag == "") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "exactly one of key or tag is required"})
		return
	}

	ctx := c.Request.Context()
	if req.Key != "" {
		if err := s.store.Invalidate(ctx, req.Key); err != nil {
			s.log.WithError(err).WithField("key", req.Key).Error("failed to invalidate key")
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": req.Key})
		return
	}

	n, err := s.store.InvalidateByTag(ctx, req.Tag)
	if err != nil {
		s.log.WithError(err).WithField("tag", req.Tag).Error("failed to invalidate tag")
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": req.Tag, "invalidated": n})
}

func (s *Server) clearCache(c *gin.Context) {
	if err := s.store.Clear(c.Request.Context()); err != nil {
		s.log.WithError(err).Error("failed to clear cache")
		storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// storeError 已关闭的缓存返回 503，其他错误返回 500
func storeError(c *gin.Context, err error) {
	if cache.IsClosed(err) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
}

func (s *Server) getJobs(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	c.JSON(http.StatusOK, s.scheduler.GetAllJobs())
}

func (s *Server) runJob(c *gin.Context) {
	name := c.Param("name")
	if s.scheduler == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "scheduler is not running"})
		return
	}
	if _, err := s.scheduler.GetJob(name); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
		return
	}
	if err := s.scheduler.RunJob(name); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "conflict", Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": name})
}
