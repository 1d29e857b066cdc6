// Package admin exposes a small operator HTTP surface over the running engine.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fib-pocket-bot-go/internal/engine"
	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/reporter"
	"fib-pocket-bot-go/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller 是管理接口需要的引擎能力
type Controller interface {
	Status() engine.Status
	LevelSets() []*fibonacci.LevelSet
	Resume(ctx context.Context, operator string) error
	UpdateSwing(ctx context.Context, swing models.Swing) (*fibonacci.LevelSet, error)
	RunCycle(ctx context.Context, trigger models.Trigger) (*engine.CycleResult, error)
}

// Server 管理接口
type Server struct {
	router     *gin.Engine
	ctrl       Controller
	audit      storage.AuditLog
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer 创建管理接口，路由在此注册
func NewServer(ctrl Controller, audit storage.AuditLog, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{router: router, ctrl: ctrl, audit: audit, logger: logger}
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/levels", s.handleLevels)
	router.GET("/audit", s.handleAudit)
	router.POST("/resume", s.handleResume)
	router.POST("/review", s.handleReview)
	router.PUT("/swings/:timeframe", s.handleUpdateSwing)
	return s
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler { return s.router }

// Start 阻塞监听，直到 Shutdown 被调用
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // 手动复核会等待顾问
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("管理接口已启动", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": true, "message": message})
}

func wantsText(c *gin.Context) bool {
	return strings.EqualFold(c.Query("format"), "text")
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{"running": st.Running, "paused": st.Paused, "time": st.Time})
}

// GET /status[?format=text]
func (s *Server) handleStatus(c *gin.Context) {
	st := s.ctrl.Status()
	if wantsText(c) {
		c.String(http.StatusOK, reporter.RenderStatus(st.View()))
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /levels[?format=text]
func (s *Server) handleLevels(c *gin.Context) {
	sets := s.ctrl.LevelSets()
	if wantsText(c) {
		c.String(http.StatusOK, reporter.RenderLevels(sets, s.ctrl.Status().Price.Price))
		return
	}
	c.JSON(http.StatusOK, gin.H{"level_sets": sets})
}

// GET /audit?limit=N
func (s *Server) handleAudit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.audit.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("读取审计日志失败", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

type resumeRequest struct {
	Operator string `json:"operator" binding:"required"`
}

// POST /resume {"operator": "..."}
func (s *Server) handleResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "operator is required")
		return
	}
	if err := s.ctrl.Resume(c.Request.Context(), req.Operator); err != nil {
		s.logger.Error("解除暂停失败", zap.String("operator", req.Operator), zap.Error(err))
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{"paused": st.Paused, "peak_equity": st.PeakEquity})
}

// POST /review 立即执行一次定期复核
func (s *Server) handleReview(c *gin.Context) {
	res, err := s.ctrl.RunCycle(c.Request.Context(), models.TriggerScheduledReview)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

type swingRequest struct {
	High            float64   `json:"high" binding:"required"`
	Low             float64   `json:"low" binding:"required"`
	HighAt          time.Time `json:"high_at"`
	LowAt           time.Time `json:"low_at"`
	Direction       string    `json:"direction"`
	InvalidationPct float64   `json:"invalidation_pct"`
}

// PUT /swings/:timeframe
func (s *Server) handleUpdateSwing(c *gin.Context) {
	var req swingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "high and low are required")
		return
	}
	swing := models.Swing{
		Timeframe:       c.Param("timeframe"),
		High:            req.High,
		Low:             req.Low,
		HighAt:          req.HighAt,
		LowAt:           req.LowAt,
		Direction:       req.Direction,
		InvalidationPct: req.InvalidationPct,
	}
	if swing.Direction == "" {
		swing.Direction = string(fibonacci.Down)
	}
	set, err := s.ctrl.UpdateSwing(c.Request.Context(), swing)
	var invalid *fibonacci.InvalidSwingError
	switch {
	case errors.As(err, &invalid):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("更新波段点失败", zap.String("timeframe", swing.Timeframe), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, set)
}
