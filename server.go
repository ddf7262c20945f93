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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/psicosafe/laudos_backend/config"
	"github.com/psicosafe/laudos_backend/middlewares"
	"github.com/psicosafe/laudos_backend/models"
	"github.com/psicosafe/laudos_backend/utils"
	"github.com/psicosafe/laudos_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// renderModelError maps domain errors onto HTTP responses. Manual emission
// callers get a specific message telling "not all surveys are done" apart
// from "system error, will retry automatically".
func renderModelError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, models.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "not all surveys are done"})
	case errors.Is(err, models.ErrNoEligibleEmployees):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no eligible employees for this round"})
	case errors.Is(err, models.ErrEmergencyAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "emergency emission already used for this batch"})
	case errors.Is(err, models.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "operation not allowed in current state"})
	case errors.Is(err, models.ErrDuplicateAnswer):
		c.JSON(http.StatusConflict, gin.H{"error": "item already answered"})
	case errors.Is(err, models.ErrEvaluationConcluded):
		c.JSON(http.StatusConflict, gin.H{"error": "evaluation already concluded"})
	case errors.Is(err, ErrQueuedForRetry):
		c.JSON(http.StatusAccepted, gin.H{"status": "system error, will retry automatically"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func requireIdentity(c *gin.Context) (models.Requester, bool) {
	requester, err := models.RequesterFromContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return models.Requester{}, false
	}
	return requester, true
}

func authorizeAdminOnly(ctx context.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.SignInInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		token, user, err := models.Login(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user":  user,
		})
	}
}

// logoutHandler revokes the presented token and drops the cached session.
// The revocation marker outlives the JWT expiry window.
func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		ctx := c.Request.Context()
		if token, ok := utils.GetTokenFromContext(ctx); ok && token != "" {
			if err := config.SetRedisValue("session:revoked:"+token, "1", 24*time.Hour); err != nil {
				renderModelError(c, err)
				return
			}
		}
		if userId, ok := utils.GetUserIdFromContext(ctx); ok {
			if err := config.RemoveRedisKey("User:" + strconv.Itoa(userId)); err != nil {
				renderModelError(c, err)
				return
			}
		}
		if username, ok := utils.GetUsernameFromContext(ctx); ok {
			config.GetLogger().Info("session closed for " + username)
		}
		c.Status(http.StatusNoContent)
	}
}

func currentUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		ctx := c.Request.Context()
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := models.GetUser(ctx, userId)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func currentCompanyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		ctx := c.Request.Context()
		companyId, ok := utils.GetCompanyIdFromContext(ctx)
		if !ok || companyId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		company, err := models.GetCompany(ctx, companyId)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, company)
	}
}

func createBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		var input models.NewBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		batch, err := models.CreateBatch(c.Request.Context(), &input, requester)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

func listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		batches, err := models.ListBatches(c.Request.Context())
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, batches)
	}
}

func getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

// eligibilityPreviewHandler re-derives the eligibility calculation for the
// batch's cohort as of now. Diagnostic only; nothing is written.
func eligibilityPreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		ctx := c.Request.Context()
		batch, err := models.GetBatch(ctx, id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		companyId, _ := utils.GetCompanyIdFromContext(ctx)
		eligible, err := models.EligibleEmployeesForRound(ctx, companyId, batch.Type, time.Now())
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"batch_id":  batch.ID,
			"type":      batch.Type,
			"eligible":  eligible,
			"timestamp": time.Now().UTC(),
		})
	}
}

func listEvaluationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		evaluations, err := models.ListEvaluationsForBatch(c.Request.Context(), id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, evaluations)
	}
}

func getEvaluationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evaluation id"})
			return
		}
		evaluation, err := models.GetEvaluation(c.Request.Context(), id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, evaluation)
	}
}

func createEmployeeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		var input models.NewEmployee
		if err := c.ShouldBindJSON(&input); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		employee, err := models.CreateEmployee(c.Request.Context(), &input)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, employee)
	}
}

func listEmployeesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		ctx := c.Request.Context()
		companyId, ok := utils.GetCompanyIdFromContext(ctx)
		if !ok || companyId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		employees, err := utils.FetchAllModels[models.Employee](ctx, companyId)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, employees)
	}
}

func getEmployeeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid employee id"})
			return
		}
		employee, err := models.GetEmployee(c.Request.Context(), id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, employee)
	}
}

func submitAnswerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evaluation id"})
			return
		}
		var input models.NewAnswer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		evaluation, err := models.SubmitAnswer(c.Request.Context(), id, &input)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, evaluation)
	}
}

type deactivateEvaluationRequest struct {
	Reason string `json:"reason"`
}

func deactivateEvaluationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evaluation id"})
			return
		}
		var req deactivateEvaluationRequest
		_ = c.ShouldBindJSON(&req)
		evaluation, err := models.DeactivateEvaluation(c.Request.Context(), id, requester, req.Reason)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, evaluation)
	}
}

func requestEmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		reportId, err := RequestEmission(c.Request.Context(), id, requester)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report_id": reportId})
	}
}

func cancelEmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		if err := models.CancelEmission(c.Request.Context(), id, requester); err != nil {
			renderModelError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type emergencyEmissionRequest struct {
	Justification string `json:"justification" binding:"required"`
}

func emergencyEmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		var req emergencyEmissionRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Justification) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "justification is required"})
			return
		}
		reportId, err := EmergencyEmission(c.Request.Context(), id, requester, req.Justification)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report_id": reportId, "emergency": true})
	}
}

func auditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		records, err := models.AuditTrailForBatch(c.Request.Context(), id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func getReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		report, err := models.GetReport(c.Request.Context(), id)
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func listFailedEmissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		entries, err := models.ListFailedEmissions(c.Request.Context())
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

// Ops tooling (admin only): queue depth for the caller's company plus the
// sweeper heartbeat, so a quiet queue can be told apart from a stuck sweeper.
func emissionStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		ctx := c.Request.Context()
		if err := authorizeAdminOnly(ctx); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		companyId, _ := utils.GetCompanyIdFromContext(ctx)
		pending, err := utils.ResourceCountWhere[models.EmissionQueueEntry](ctx, companyId, "status = ?", models.EmissionStatusPending)
		if err != nil {
			renderModelError(c, err)
			return
		}
		failed, err := utils.ResourceCountWhere[models.EmissionQueueEntry](ctx, companyId, "status = ?", models.EmissionStatusFailed)
		if err != nil {
			renderModelError(c, err)
			return
		}
		lastClaim, found, err := config.GetRedisValue(sweeperHeartbeatKey)
		if err != nil {
			renderModelError(c, err)
			return
		}
		resp := gin.H{
			"pending": pending,
			"failed":  failed,
		}
		if found {
			resp["sweeper_last_claim"] = lastClaim
		}
		c.JSON(http.StatusOK, resp)
	}
}

// sweepHandler is the cron entry point. Safe when Cloud Scheduler fires it
// while the background loop is mid-sweep: claiming is atomic either way.
func sweepHandler(sweeper *EmissionSweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		sweeper.SweepOnce(c.Request.Context())
		c.Status(http.StatusNoContent)
	}
}

type requeueEmissionRequest struct {
	BatchId int `json:"batch_id"`
}

// Ops tooling (admin only): put a FAILED queue entry back in rotation.
func requeueEmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req requeueEmissionRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.BatchId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id is required"})
			return
		}
		if err := models.RequeueFailedEmission(c.Request.Context(), req.BatchId, requester); err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": req.BatchId, "status": models.EmissionStatusPending})
	}
}

type regenerateReportRequest struct {
	BatchId int `json:"batch_id"`
}

// Ops tooling (admin only): full re-render of an issued report. Yields a new
// digest since the artifact embeds the generation timestamp.
func regenerateReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, ok := requireIdentity(c)
		if !ok {
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req regenerateReportRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.BatchId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id is required"})
			return
		}
		reportId, err := workflow.GenerateAndIssue(c.Request.Context(), req.BatchId, requester,
			workflow.IssueOptions{Regenerate: true})
		if err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report_id": reportId, "regenerated": true})
	}
}

type markSentRequest struct {
	BatchId int `json:"batch_id"`
}

// Ops tooling (admin only): record a delivery confirmation from the
// downstream channel, moving batch and report to Sent.
func markBatchSentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req markSentRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.BatchId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id is required"})
			return
		}
		if err := models.MarkBatchSent(c.Request.Context(), req.BatchId); err != nil {
			renderModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": req.BatchId, "status": models.BatchStatusSent})
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
		if config.GetDB() == nil {
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
			corsConfig.AllowOrigins = utils.UniqueSlice(splitAndTrim(allowedOrigins))
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
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
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	sweeper := NewEmissionSweeper(nil, logger)

	r.POST("/v1/login", loginHandler())
	r.POST("/v1/logout", logoutHandler())
	r.GET("/v1/me", currentUserHandler())
	r.GET("/v1/company", currentCompanyHandler())
	r.POST("/v1/batches", createBatchHandler())
	r.GET("/v1/batches", listBatchesHandler())
	r.GET("/v1/batches/:id", getBatchHandler())
	r.GET("/v1/batches/:id/eligibility-preview", eligibilityPreviewHandler())
	r.GET("/v1/batches/:id/evaluations", listEvaluationsHandler())
	r.GET("/v1/evaluations/:id", getEvaluationHandler())
	r.POST("/v1/employees", createEmployeeHandler())
	r.GET("/v1/employees", listEmployeesHandler())
	r.GET("/v1/employees/:id", getEmployeeHandler())
	r.POST("/v1/evaluations/:id/answers", submitAnswerHandler())
	r.POST("/v1/evaluations/:id/deactivate", deactivateEvaluationHandler())
	r.POST("/v1/batches/:id/emission", requestEmissionHandler())
	r.DELETE("/v1/batches/:id/emission", cancelEmissionHandler())
	r.POST("/v1/batches/:id/emergency-emission", emergencyEmissionHandler())
	r.GET("/v1/batches/:id/audit", auditTrailHandler())
	r.GET("/v1/batches/:id/report", getReportHandler())
	r.GET("/v1/emissions/failed", listFailedEmissionsHandler())
	// Cron entry point: Cloud Scheduler hits this on a fixed interval.
	r.POST("/internal/emission/sweep", sweepHandler(sweeper))
	// Ops tooling (admin only).
	r.GET("/internal/ops/emission/status", emissionStatusHandler())
	r.POST("/internal/ops/emission/requeue", requeueEmissionHandler())
	r.POST("/internal/ops/reports/regenerate", regenerateReportHandler())
	r.POST("/internal/ops/batches/mark-sent", markBatchSentHandler())
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

	// Ensure the report topic exists so the first issuance does not race
	// topic creation. Skipped entirely when Pub/Sub is not configured.
	if topicName := os.Getenv("PUBSUB_REPORT_TOPIC"); topicName != "" {
		go func() {
			client, err := config.GetClient(context.Background())
			if err != nil {
				logger.Warn("pubsub unavailable, report events disabled: " + err.Error())
				return
			}
			if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
				logger.Warn("failed to ensure report topic: " + err.Error())
			}
		}()
	}

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

	// Start the emission sweeper loop.
	sweeper.DB = db
	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	defer cancelSweeper()
	go sweeper.Run(sweeperCtx)

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
	cancelSweeper()

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

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
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
