package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/config"
	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/eventlog"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/logging"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/pipeline"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/progress"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

const defaultLimit = 100

// Deps API 依赖
type Deps struct {
	Events    *eventlog.Store
	Repos     *repository.Repositories
	Processor *pipeline.Processor
	Sweeper   *pipeline.Sweeper
	Progress  *progress.Tracker
	Logs      *logging.LogManager
	Config    *config.Config
	Logger    *logrus.Logger
}

// Server 诊断与重放 API
type Server struct {
	deps    Deps
	router  *gin.Engine
	server  *http.Server
	started time.Time
}

// NewServer 创建 API 服务器
func NewServer(deps Deps, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		deps:    deps,
		router:  router,
		started: time.Now(),
	}
	router.Use(s.requestLogger())
	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 路由，供测试使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器，阻塞直到关闭
func (s *Server) Start() error {
	s.deps.Logger.Infof("API服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.deps.Logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		// 事件日志
		api.GET("/events", s.listEvents)
		api.GET("/events/unprocessed", s.listUnprocessed)
		api.POST("/events/replay", s.replayUnprocessed)
		api.GET("/events/:id", s.getEvent)

		// 聚合
		api.GET("/accounts/:address", s.getAccount)
		api.GET("/collections/:chain/:address", s.getCollection)
		api.GET("/collections/:chain/:address/trades", s.listCollectionTrades)
		api.GET("/tokens/:chain/:address/:tokenId", s.getToken)
		api.GET("/listings", s.listActiveListings)
		api.POST("/listings/expire", s.expireListings)
		api.GET("/listings/:id", s.getListing)
		api.GET("/trades/:id", s.getTrade)

		// 死信
		api.GET("/dead-letters", s.listDeadLetters)
		api.POST("/dead-letters/retry", s.retryDeadLetters)

		// 统计、配置与日志
		api.GET("/stats", s.getStats)
		api.GET("/progress", s.getProgress)
		api.GET("/config", s.getConfig)
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// respondError 按错误类型选择状态码
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "记录不存在"})
	case errors.Is(err, ierrors.ErrInvalidIdentity), errors.Is(err, ierrors.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func chainParam(c *gin.Context) (uint64, bool) {
	chainID, err := strconv.ParseUint(c.Param("chain"), 10, 64)
	if err != nil || chainID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的链ID"})
		return 0, false
	}
	return chainID, true
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "nft-indexer",
	})
}

// listEvents 按合约、事件名或区块范围查询事件
func (s *Server) listEvents(c *gin.Context) {
	ctx := c.Request.Context()
	limit := queryInt(c, "limit", defaultLimit)

	var (
		events []*models.Event
		err    error
	)
	switch {
	case c.Query("contract") != "":
		events, err = s.deps.Events.ListByContract(ctx, c.Query("contract"), limit)
	case c.Query("name") != "":
		events, err = s.deps.Events.ListByEventName(ctx, c.Query("name"), limit)
	case c.Query("from") != "" || c.Query("to") != "":
		from, ferr := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
		to, terr := strconv.ParseUint(c.DefaultQuery("to", strconv.FormatUint(^uint64(0)>>1, 10)), 10, 64)
		if ferr != nil || terr != nil || from > to {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的区块范围"})
			return
		}
		events, err = s.deps.Events.ListByBlockRange(ctx, from, to)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要 contract、name 或 from/to 参数"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// listUnprocessed 未处理事件
func (s *Server) listUnprocessed(c *gin.Context) {
	events, err := s.deps.Events.ListUnprocessed(c.Request.Context(), queryInt(c, "limit", defaultLimit))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// replayUnprocessed 重放未处理事件，include_fatal=true 时包括致命失败的事件
func (s *Server) replayUnprocessed(c *gin.Context) {
	includeFatal := c.Query("include_fatal") == "true"
	report, err := s.deps.Processor.ReplayUnprocessed(c.Request.Context(), queryInt(c, "limit", 0), includeFatal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// getEvent 单个事件
func (s *Server) getEvent(c *gin.Context) {
	ev, err := s.deps.Events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// getAccount 账户
func (s *Server) getAccount(c *gin.Context) {
	acc, err := s.deps.Repos.Accounts.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// getCollection 合集
func (s *Server) getCollection(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	col, err := s.deps.Repos.Collections.GetByAddress(c.Request.Context(), chainID, c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

// listCollectionTrades 合集成交记录
func (s *Server) listCollectionTrades(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	addr, err := identity.NormalizeAddress(c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	trades, err := s.deps.Repos.Trades.ListByCollection(c.Request.Context(), addr, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	limit := queryInt(c, "limit", defaultLimit)
	out := make([]*models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.ChainID != chainID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "total": len(out)})
}

// getToken 代币
func (s *Server) getToken(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	tok, err := s.deps.Repos.Tokens.GetByTokenID(c.Request.Context(), chainID, c.Param("address"), c.Param("tokenId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// listActiveListings ACTIVE 挂单
func (s *Server) listActiveListings(c *gin.Context) {
	listings, err := s.deps.Repos.Listings.ListActive(c.Request.Context(), queryInt(c, "limit", defaultLimit))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "total": len(listings)})
}

// getListing 挂单
func (s *Server) getListing(c *gin.Context) {
	listing, err := s.deps.Repos.Listings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// expireListings 立即执行一次过期扫描
func (s *Server) expireListings(c *gin.Context) {
	n, err := s.deps.Sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// getTrade 成交
func (s *Server) getTrade(c *gin.Context) {
	trade, err := s.deps.Repos.Trades.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

// listDeadLetters 死信列表
func (s *Server) listDeadLetters(c *gin.Context) {
	letters := s.deps.Processor.Retrier().Queue().List()
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "total": len(letters)})
}

// retryDeadLetters 重放死信
func (s *Server) retryDeadLetters(c *gin.Context) {
	report := s.deps.Processor.ReplayDeadLetters(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

// getStats 运行统计
func (s *Server) getStats(c *gin.Context) {
	unprocessed, err := s.deps.Events.ListUnprocessed(c.Request.Context(), 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime":       time.Since(s.started).String(),
		"unprocessed":  len(unprocessed),
		"dead_letters": s.deps.Processor.Retrier().Queue().Len(),
		"errors":       s.deps.Processor.ErrorHandler().GetStats().Snapshot(),
	})
}

// getProgress 各链处理进度
func (s *Server) getProgress(c *gin.Context) {
	if s.deps.Progress == nil {
		c.JSON(http.StatusOK, gin.H{"chains": []gin.H{}})
		return
	}
	all, err := s.deps.Progress.All(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	chains := make([]gin.H, 0, len(all))
	for _, p := range all {
		chains = append(chains, gin.H{
			"chain_id":             p.ChainID,
			"last_processed_block": p.LastProcessedBlock,
			"events_processed":     p.EventsProcessed,
			"start_time":           p.StartTime,
			"last_update_time":     p.LastUpdateTime,
			"events_per_second":    p.ProcessingRate(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"chains": chains})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	if s.deps.Logs == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []logging.LogEntry{}, "total": 0})
		return
	}
	level := c.Query("level")
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "pageSize", 20)

	logs, total := s.deps.Logs.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	if s.deps.Logs != nil {
		s.deps.Logs.ClearLogs()
	}
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
