package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/middlewares"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/models/reports"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/mmdatafocus/wms_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func requestScope(ctx context.Context) models.Scope {
	scope, _ := utils.GetScopeFromContext(ctx)
	if scope == "" {
		return models.ScopeProd
	}
	return models.Scope(scope)
}

// renderWorkflowError maps structured fulfillment errors to their HTTP status;
// anything else is an internal error.
func renderWorkflowError(c *gin.Context, err error) {
	if opErr, ok := workflow.AsOpError(err); ok {
		c.JSON(opErr.HTTPStatus(), gin.H{"error": opErr})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// renderBindingError reports field-level validation failures; malformed JSON
// gets a generic 400.
func renderBindingError(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(ve)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// authorizeAdminOnly ensures the session operator holds the Admin role.
func authorizeAdminOnly(ctx context.Context) error {
	username, ok := utils.GetOperatorNameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}

	var op models.Operator
	exists, err := config.GetRedisObject("Operator:"+username, &op)
	if err != nil {
		return err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.Operator{}).Where("username = ?", username).Take(&op).Error; err != nil {
			return errors.New("unauthorized")
		}
	}
	if op.Role != models.OperatorRoleAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

func requireSession(c *gin.Context) bool {
	if _, ok := utils.GetOperatorNameFromContext(c.Request.Context()); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		token, op, err := models.LoginOperator(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, models.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":    token,
			"username": op.Username,
			"name":     op.Name,
			"role":     op.Role,
		})
	}
}

// logoutHandler invalidates the caller's session token.
func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		token, ok := utils.GetTokenFromContext(c.Request.Context())
		if !ok || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := config.RemoveRedisKey("Token:" + token); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logged_out": true})
	}
}

type stockMovementRequest struct {
	WarehouseId int             `json:"warehouse_id" binding:"required"`
	ItemId      int             `json:"item_id" binding:"required"`
	BatchCode   *string         `json:"batch_code"`
	Delta       decimal.Decimal `json:"delta" binding:"required"`
	Reason      string          `json:"reason" binding:"required"`
	Reference   string          `json:"reference" binding:"required"`
	RefLine     int             `json:"ref_line"`
}

// stockMovementHandler posts a single ledger movement (receipts, adjustments,
// returns, counts). Outbound shipping must go through the commit endpoints so
// it cannot bypass the certificate.
func stockMovementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		var req stockMovementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		reason := models.StockReason(strings.ToUpper(strings.TrimSpace(req.Reason)))
		if !reason.Valid() || reason == models.StockReasonOutboundShip {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reason"})
			return
		}

		ctx := c.Request.Context()
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		slot := workflow.SlotRef{
			Scope:       requestScope(ctx),
			WarehouseId: req.WarehouseId,
			ItemId:      req.ItemId,
			BatchCode:   req.BatchCode,
		}
		afterQty, err := workflow.PostMovementWithRetry(config.GetDB(), ctx, config.GetLogger(), slot, req.Delta, reason, req.Reference, req.RefLine, cid)
		if err != nil {
			if errors.Is(err, workflow.ErrNegativeStock) {
				c.JSON(http.StatusConflict, gin.H{"error": "movement would drive stock below zero"})
				return
			}
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"after_qty":      afterQty,
			"correlation_id": cid,
		})
	}
}

// withShipRedisLock obtains a best-effort outer redis lock for a ship
// reference. Reliability never depends on Redis: the MySQL advisory lock
// inside CommitOutbound is the real serializer, this only shortens in-request
// blocking when two replays race.
func withShipRedisLock(c *gin.Context, logger *logrus.Logger, key string, fn func()) {
	redisLock := config.GetRedisLock()
	var lock *redislock.Lock
	if redisLock != nil {
		var err error
		lock, err = redisLock.Obtain(c.Request.Context(), "lock:"+key, 30*time.Second, nil)
		if err == redislock.ErrNotObtained {
			logger.WithFields(logrus.Fields{
				"field": "withShipRedisLock",
				"key":   key,
			}).Warn("could not obtain redis lock; proceeding without redis lock")
			lock = nil
		} else if err != nil {
			logger.WithFields(logrus.Fields{
				"field": "withShipRedisLock",
				"key":   key,
			}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
			lock = nil
		}
	}
	defer func() {
		if lock == nil {
			return
		}
		if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
			logger.WithFields(logrus.Fields{
				"field": "withShipRedisLock",
				"key":   key,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}()
	fn()
}

type outboundCommitRequest struct {
	Platform  string                `json:"platform" binding:"required"`
	ShopId    string                `json:"shop_id" binding:"required"`
	Reference string                `json:"reference" binding:"required"`
	TraceId   string                `json:"trace_id"`
	Lines     []workflow.CommitLine `json:"lines" binding:"required"`
}

func outboundCommitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		var req outboundCommitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		ctx := c.Request.Context()
		logger := config.GetLogger()
		scope := requestScope(ctx)
		key := workflow.ShipLockKey(scope, req.Platform, req.ShopId, req.Reference)
		withShipRedisLock(c, logger, key, func() {
			result, err := workflow.CommitOutbound(config.GetDB(), ctx, logger, workflow.CommitRequest{
				Scope:     scope,
				Platform:  req.Platform,
				ShopId:    req.ShopId,
				Reference: req.Reference,
				Lines:     req.Lines,
				TraceId:   req.TraceId,
			})
			if err != nil {
				renderWorkflowError(c, err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	}
}

type createPickTaskRequest struct {
	WarehouseId int                    `json:"warehouse_id" binding:"required"`
	Platform    string                 `json:"platform" binding:"required"`
	ShopId      string                 `json:"shop_id" binding:"required"`
	Reference   string                 `json:"reference" binding:"required"`
	Priority    int                    `json:"priority"`
	HandoffCode *string                `json:"handoff_code"`
	Lines       []workflow.PlannedLine `json:"lines" binding:"required"`
}

func createPickTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		var req createPickTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		ctx := c.Request.Context()
		task, err := workflow.CreatePickTask(config.GetDB(), ctx, requestScope(ctx), req.WarehouseId, req.Platform, req.ShopId, req.Reference, req.Priority, req.HandoffCode, req.Lines)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

func taskIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func releasePickTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		id, ok := taskIdParam(c)
		if !ok {
			return
		}
		if err := workflow.ReleaseTask(config.GetDB(), c.Request.Context(), id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": id, "status": models.PickTaskStatusReady})
	}
}

type assignPickTaskRequest struct {
	OperatorId int `json:"operator_id"`
}

func assignPickTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		id, ok := taskIdParam(c)
		if !ok {
			return
		}
		var req assignPickTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		if err := workflow.AssignTask(config.GetDB(), c.Request.Context(), id, req.OperatorId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": id, "status": models.PickTaskStatusAssigned})
	}
}

type scanRequest struct {
	ItemId    int             `json:"item_id" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
	BatchCode *string         `json:"batch_code"`
}

func scanPickTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		id, ok := taskIdParam(c)
		if !ok {
			return
		}
		var req scanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		if req.Qty.Sign() <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "qty must be positive"})
			return
		}
		task, err := workflow.Scan(config.GetDB(), c.Request.Context(), config.GetLogger(), id, req.ItemId, req.Qty, req.BatchCode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

func diffPickTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		id, ok := taskIdParam(c)
		if !ok {
			return
		}
		summary, err := workflow.Diff(config.GetDB(), c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

type commitShipRequest struct {
	TraceId     string  `json:"trace_id"`
	AllowDiff   bool    `json:"allow_diff"`
	HandoffCode *string `json:"handoff_code"`
}

func commitShipHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		id, ok := taskIdParam(c)
		if !ok {
			return
		}
		var req commitShipRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}

		ctx := c.Request.Context()
		logger := config.GetLogger()
		db := config.GetDB()

		// The task reference drives the lock key; load it up front.
		var task models.PickTask
		if err := db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		key := workflow.ShipLockKey(task.Scope, task.Platform, task.ShopId, task.Reference)
		withShipRedisLock(c, logger, key, func() {
			result, err := workflow.CommitShip(db, ctx, logger, workflow.ShipParams{
				TaskId:      id,
				HandoffCode: req.HandoffCode,
				TraceId:     req.TraceId,
				AllowDiff:   req.AllowDiff,
			})
			if err != nil {
				renderWorkflowError(c, err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	}
}

func fefoRecommendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		warehouseId, err := strconv.Atoi(c.Query("warehouse_id"))
		if err != nil || warehouseId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "warehouse_id is required"})
			return
		}
		itemId, err := strconv.Atoi(c.Query("item_id"))
		if err != nil || itemId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item_id is required"})
			return
		}
		ctx := c.Request.Context()
		batch, err := workflow.RecommendBatch(config.GetDB(), ctx, requestScope(ctx), warehouseId, itemId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"warehouse_id":      warehouseId,
			"item_id":           itemId,
			"recommended_batch": batch,
		})
	}
}

type outboxReplayRequest struct {
	RecordIds []int `json:"record_ids"`
}

// outboxReplayHandler (admin only) resets DEAD audit events back to PENDING.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindingError(c, err)
			return
		}
		affected, err := workflow.ReplayDeadEvents(config.GetDB(), c.Request.Context(), req.RecordIds)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"replayed":       affected,
			"publish_status": models.OutboxPublishStatusPending,
		})
	}
}

func ledgerExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireSession(c) {
			return
		}
		ctx := c.Request.Context()
		warehouseId, _ := strconv.Atoi(c.Query("warehouse_id"))
		var from, to *time.Time
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
				return
			}
			from = &t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
				return
			}
			to = &t
		}

		f, err := reports.BuildLedgerExport(ctx, string(requestScope(ctx)), warehouseId, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=ledger-export.xlsx")
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "server.go", "ledgerExportHandler", "Write", nil, err)
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-ledger-scope", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.ScopeMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/internal/operators/login", loginHandler())
	r.POST("/internal/operators/logout", logoutHandler())
	r.POST("/internal/stock/movements", stockMovementHandler())
	r.POST("/internal/outbound/commit", outboundCommitHandler())
	r.POST("/internal/pick-tasks", createPickTaskHandler())
	r.POST("/internal/pick-tasks/:id/release", releasePickTaskHandler())
	r.POST("/internal/pick-tasks/:id/assign", assignPickTaskHandler())
	r.POST("/internal/pick-tasks/:id/scan", scanPickTaskHandler())
	r.GET("/internal/pick-tasks/:id/diff", diffPickTaskHandler())
	r.POST("/internal/pick-tasks/:id/commit-ship", commitShipHandler())
	r.GET("/internal/fefo/recommend", fefoRecommendHandler())
	// Ops tooling (admin only): replay audit events that were marked DEAD.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.GET("/internal/reports/ledger-export", ledgerExportHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the audit outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewAuditOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
