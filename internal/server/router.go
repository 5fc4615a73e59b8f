package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/events"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/queue"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/repository"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey    = "cardiosync_subject"
	accessTokenParameter = "access_token"
	defaultFailedLimit   = 50
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSyncController = errors.New("sync controller dependency required")
	errMissingQueueInspector = errors.New("queue inspector dependency required")
	errMissingRepositories   = errors.New("repositories dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SyncController is the orchestrator surface exposed over HTTP.
type SyncController interface {
	SyncAll(ctx context.Context, force bool) (syncer.CycleResult, error)
	ForceSyncTable(ctx context.Context, table string) (syncer.TableResult, error)
	Status(ctx context.Context) (syncer.Status, error)
	LastCycle() syncer.CycleResult
	ClearLocalData(ctx context.Context) error
	Events() *events.Dispatcher
}

// QueueInspector exposes the operation queue.
type QueueInspector interface {
	QueueStats(ctx context.Context) (queue.Stats, error)
	FailedEntries(ctx context.Context, limit int) ([]queue.Entry, error)
	RetryFailed(ctx context.Context) (int, error)
}

// Dependencies wires the control API.
type Dependencies struct {
	Tokens         TokenValidator
	Sync           SyncController
	Queue          QueueInspector
	Repositories   *repository.Set
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the control API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Sync == nil {
		return nil, errMissingSyncController
	}
	if deps.Queue == nil {
		return nil, errMissingQueueInspector
	}
	if deps.Repositories == nil {
		return nil, errMissingRepositories
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:         deps.Tokens,
		sync:           deps.Sync,
		queue:          deps.Queue,
		repositories:   deps.Repositories,
		originPatterns: originPatterns(origins),
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status", handler.handleStatus)
	protected.POST("/sync", handler.handleSyncAll)
	protected.POST("/sync/:table", handler.handleSyncTable)
	protected.GET("/queue/stats", handler.handleQueueStats)
	protected.GET("/queue/failed", handler.handleQueueFailed)
	protected.POST("/queue/retry", handler.handleQueueRetry)
	protected.DELETE("/local-data", handler.handleClearLocalData)
	protected.GET("/readings", handler.handleListReadings)
	protected.POST("/readings", handler.handleCreateReading)
	protected.GET("/readings/stats", handler.handleReadingStats)
	protected.DELETE("/readings/:id", handler.handleDeleteReading)
	protected.GET("/reminders/:kind", handler.handleListReminders)
	protected.POST("/reminders/:kind", handler.handleCreateReminder)
	protected.POST("/reminders/:kind/:id/complete", handler.handleCompleteReminder)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens         TokenValidator
	sync           SyncController
	queue          QueueInspector
	repositories   *repository.Set
	originPatterns []string
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	syncer.Status
	LastCycle *syncer.CycleResult `json:"lastCycle,omitempty"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.sync.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read sync status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	response := statusResponse{Status: status}
	if last := h.sync.LastCycle(); !last.StartedAt.IsZero() {
		response.LastCycle = &last
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncAll(c *gin.Context) {
	result, err := h.sync.SyncAll(c.Request.Context(), true)
	if err != nil {
		h.logger.Error("sync cycle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSyncTable(c *gin.Context) {
	result, err := h.sync.ForceSyncTable(c.Request.Context(), c.Param("table"))
	switch {
	case errors.Is(err, syncer.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
		return
	case errors.Is(err, store.ErrUnknownTable):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
		return
	case err != nil:
		h.logger.Error("table sync failed", zap.String("table", c.Param("table")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	response := gin.H{"result": result}
	if result.Err != nil {
		response["error"] = result.Err.Error()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleQueueStats(c *gin.Context) {
	stats, err := h.queue.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleQueueFailed(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultFailedLimit)
	if !ok {
		return
	}
	entries, err := h.queue.FailedEntries(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list failed entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleQueueRetry(c *gin.Context) {
	retried, err := h.queue.RetryFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to retry entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}

func (h *httpHandler) handleClearLocalData(c *gin.Context) {
	if err := h.sync.ClearLocalData(c.Request.Context()); err != nil {
		h.logger.Error("failed to clear local data", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	h.logger.Warn("local data cleared", zap.String("subject", c.GetString(subjectContextKey)))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListReadings(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	readings, err := h.repositories.Readings.ReadingsForUser(c.Request.Context(), h.currentUser(), limit)
	if err != nil {
		h.respondError(c, "failed to list readings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"readings": readings})
}

func (h *httpHandler) handleCreateReading(c *gin.Context) {
	var input repository.ReadingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	create := h.repositories.Readings.CreateReading
	if strings.EqualFold(c.Query("source"), "ocr") {
		create = h.repositories.Readings.SaveOCRReading
	}
	reading, err := create(c.Request.Context(), h.currentUser(), input)
	if err != nil {
		h.respondError(c, "failed to create reading", err)
		return
	}
	c.JSON(http.StatusCreated, reading)
}

func (h *httpHandler) handleReadingStats(c *gin.Context) {
	days, ok := queryInt(c, "days", 0)
	if !ok {
		return
	}
	stats, err := h.repositories.Readings.Stats(c.Request.Context(), h.currentUser(), days)
	if err != nil {
		h.respondError(c, "failed to compute reading stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleDeleteReading(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.repositories.Readings.DeleteReading(c.Request.Context(), id); err != nil {
		h.respondError(c, "failed to delete reading", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListReminders(c *gin.Context) {
	kind, ok := pathKind(c)
	if !ok {
		return
	}
	includeDone := strings.EqualFold(c.Query("include_done"), "true")
	reminders, err := h.repositories.Reminders.List(c.Request.Context(), kind, h.currentUser(), includeDone)
	if err != nil {
		h.respondError(c, "failed to list reminders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "reminders": reminders})
}

func (h *httpHandler) handleCreateReminder(c *gin.Context) {
	kind, ok := pathKind(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := h.currentUser()
	reminders := h.repositories.Reminders

	var (
		created records.Reminder
		err     error
	)
	switch kind {
	case repository.KindMedication:
		var reminder records.MedicationReminder
		if !bindRecord(c, &reminder) {
			return
		}
		created, err = reminders.CreateMedication(ctx, userID, &reminder)
	case repository.KindBP:
		var reminder records.BPReminder
		if !bindRecord(c, &reminder) {
			return
		}
		created, err = reminders.CreateBP(ctx, userID, &reminder)
	case repository.KindDoctor:
		var reminder records.DoctorReminder
		if !bindRecord(c, &reminder) {
			return
		}
		created, err = reminders.CreateDoctor(ctx, userID, &reminder)
	case repository.KindWorkout:
		var reminder records.WorkoutReminder
		if !bindRecord(c, &reminder) {
			return
		}
		created, err = reminders.CreateWorkout(ctx, userID, &reminder)
	}
	if err != nil {
		h.respondError(c, "failed to create reminder", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleCompleteReminder(c *gin.Context) {
	kind, ok := pathKind(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	reminder, err := h.repositories.Reminders.MarkCompleted(c.Request.Context(), kind, id)
	if err != nil {
		h.respondError(c, "failed to complete reminder", err)
		return
	}
	c.JSON(http.StatusOK, reminder)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) currentUser() int64 {
	return h.repositories.Users.CurrentID()
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, repository.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for clients that cannot set headers on
// websocket upgrades.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return ""
	}
	return strings.TrimSpace(c.Query(accessTokenParameter))
}

// bindRecord decodes a record body and drops any client-supplied sync state.
func bindRecord(c *gin.Context, record store.Entity) bool {
	if err := c.ShouldBindJSON(record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	*record.Sync() = store.SyncFields{}
	return true
}

func pathKind(c *gin.Context) (repository.Kind, bool) {
	kind, err := repository.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kind"})
		return "", false
	}
	return kind, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return value, true
}
