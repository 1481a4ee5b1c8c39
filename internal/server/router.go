package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/auth"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "memex_sync_user_id"
	deviceIDContextKey = "memex_sync_device_id"
	requestIDHeader    = "X-Request-ID"
	maxEntriesPerWrite = 500
	maxEntriesPerRead  = 1000
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSyncLog        = errors.New("sync log dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates bearer tokens presented by devices.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

type Dependencies struct {
	Tokens   TokenValidator
	Log      synclog.Log
	Events   *EventHub
	Relay    *Relay
	Limiters *RateLimiters
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Log == nil {
		return nil, errMissingSyncLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventHub()
	}
	relay := deps.Relay
	if relay == nil {
		relay = NewRelay(RelayConfig{Logger: logger})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID)
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		log:      deps.Log,
		events:   events,
		relay:    relay,
		limiters: deps.Limiters,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.Use(handler.rateLimit)
	protected.POST("/devices", handler.handleRegisterDevice)
	protected.GET("/devices", handler.handleListDevices)
	protected.GET("/devices/:id", handler.handleGetDevice)
	protected.POST("/sync/entries", handler.handleWriteEntries)
	protected.GET("/sync/entries", handler.handleGetEntries)
	protected.GET("/sync/events", handler.handleEvents)
	protected.GET("/initial-sync/:channel", handler.handleInitialSyncRelay)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	log      synclog.Log
	events   *EventHub
	relay    *Relay
	limiters *RateLimiters
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	var request synclog.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, synclog.ErrorResponse{Error: synclog.ErrorCodeInvalidRequest})
		return
	}
	userID := c.GetString(userIDContextKey)
	deviceID, err := h.log.CreateDeviceID(c.Request.Context(), synclog.DeviceRegistration{
		UserID:         userID,
		ProductType:    request.ProductType,
		DevicePlatform: request.DevicePlatform,
	})
	if err != nil {
		h.writeLogError(c, "register device failed", err)
		return
	}
	device, err := h.log.GetDeviceInfo(c.Request.Context(), userID, deviceID)
	if err != nil {
		h.writeLogError(c, "load registered device failed", err)
		return
	}
	h.logger.Info("device registered", zap.String("user_id", userID), zap.String("device_id", deviceID))
	c.JSON(http.StatusCreated, device)
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	devices, err := h.log.ListDevices(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeLogError(c, "list devices failed", err)
		return
	}
	if devices == nil {
		devices = []synclog.Device{}
	}
	c.JSON(http.StatusOK, synclog.DeviceListResponse{Devices: devices})
}

func (h *httpHandler) handleGetDevice(c *gin.Context) {
	device, err := h.log.GetDeviceInfo(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeLogError(c, "get device failed", err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (h *httpHandler) handleWriteEntries(c *gin.Context) {
	var request synclog.WriteEntriesRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Entries) == 0 || len(request.Entries) > maxEntriesPerWrite {
		c.JSON(http.StatusBadRequest, synclog.ErrorResponse{Error: synclog.ErrorCodeInvalidRequest})
		return
	}
	userID := c.GetString(userIDContextKey)
	tokenDevice := c.GetString(deviceIDContextKey)
	checked := make(map[string]struct{})
	for _, entry := range request.Entries {
		if tokenDevice != "" && entry.DeviceID != tokenDevice {
			c.JSON(http.StatusForbidden, synclog.ErrorResponse{Error: synclog.ErrorCodeForbidden})
			return
		}
		if _, ok := checked[entry.DeviceID]; ok {
			continue
		}
		if _, err := h.log.GetDeviceInfo(c.Request.Context(), userID, entry.DeviceID); err != nil {
			h.writeLogError(c, "entry device lookup failed", err)
			return
		}
		checked[entry.DeviceID] = struct{}{}
	}

	written, err := h.log.WriteEntries(c.Request.Context(), userID, request.Entries)
	if err != nil {
		h.writeLogError(c, "write entries failed", err)
		return
	}
	if len(written) > 0 {
		h.events.Publish(AppendEvent{
			UserID:       userID,
			DeviceID:     request.Entries[0].DeviceID,
			Count:        len(written),
			LastSharedOn: written[len(written)-1].SharedOn,
		})
	}
	c.JSON(http.StatusOK, synclog.EntriesResponse{Entries: written})
}

func (h *httpHandler) handleGetEntries(c *gin.Context) {
	after, err := parseInt64Query(c, "after", 0)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, synclog.ErrorResponse{Error: synclog.ErrorCodeInvalidRequest})
		return
	}
	limit, err := parseInt64Query(c, "limit", maxEntriesPerRead)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, synclog.ErrorResponse{Error: synclog.ErrorCodeInvalidRequest})
		return
	}
	if limit > maxEntriesPerRead {
		limit = maxEntriesPerRead
	}
	entries, err := h.log.GetEntriesCreatedAfter(c.Request.Context(), c.GetString(userIDContextKey), after, synclog.QueryOptions{
		ExcludeDeviceID: c.Query("exclude_device"),
		Limit:           int(limit),
	})
	if err != nil {
		h.writeLogError(c, "get entries failed", err)
		return
	}
	if entries == nil {
		entries = []synclog.Entry{}
	}
	c.JSON(http.StatusOK, synclog.EntriesResponse{Entries: entries})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, synclog.ErrorResponse{Error: synclog.ErrorCodeUnauthorized})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		h.logger.Debug("rejected request", zap.Error(errInvalidAuthorization))
		c.AbortWithStatusJSON(http.StatusUnauthorized, synclog.ErrorResponse{Error: synclog.ErrorCodeUnauthorized})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, synclog.ErrorResponse{Error: synclog.ErrorCodeUnauthorized})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	if h.limiters == nil || h.limiters.Allow(c.GetString(userIDContextKey)) {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, synclog.ErrorResponse{Error: synclog.ErrorCodeRateLimited})
}

func (h *httpHandler) writeLogError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, synclog.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, synclog.ErrorResponse{Error: synclog.ErrorCodeUnknownDevice})
	case errors.Is(err, synclog.ErrInvalidEntry), errors.Is(err, synclog.ErrInvalidDevice), errors.Is(err, synclog.ErrMissingUserID):
		c.JSON(http.StatusBadRequest, synclog.ErrorResponse{Error: synclog.ErrorCodeInvalidRequest})
	default:
		h.logger.Error(message,
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.String("request_id", c.GetString(requestIDHeader)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, synclog.ErrorResponse{Error: synclog.ErrorCodeInternal})
	}
}

func requestID(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	c.Header(requestIDHeader, id)
	c.Next()
}

func parseInt64Query(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
