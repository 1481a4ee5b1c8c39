// Package control exposes the local agent's sync controls over HTTP.
package control

import (
	"context"
	"errors"
	"net/http"
	"strings"

	syncengine "github.com/MarcoPoloResearchLab/memexsync/internal/sync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingEngine = errors.New("control: sync engine dependency required")

// Engine is the part of the background sync the control API drives.
type Engine interface {
	ForceIncrementalSync(ctx context.Context) (syncengine.CycleReport, error)
	EnableSync(ctx context.Context) error
	DisableSync(ctx context.Context) error
	Status(ctx context.Context) syncengine.Status
	RequestInitialSync(ctx context.Context) (syncengine.InitialMessage, error)
	AnswerInitialSync(ctx context.Context, message syncengine.InitialMessage) error
	WaitForInitialSync(ctx context.Context) (syncengine.InitialSyncReport, error)
}

type Config struct {
	Engine Engine
	Logger *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler builds the control router.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &controlHandler{engine: cfg.Engine, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/sync/status", handler.handleStatus)
	router.POST("/sync/force", handler.handleForce)
	router.POST("/sync/enable", handler.handleEnable)
	router.POST("/sync/disable", handler.handleDisable)
	router.POST("/initial-sync/request", handler.handleRequestInitialSync)
	router.POST("/initial-sync/answer", handler.handleAnswerInitialSync)
	router.POST("/initial-sync/wait", handler.handleWaitForInitialSync)
	return router, nil
}

type controlHandler struct {
	engine Engine
	logger *zap.Logger
}

func (h *controlHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status(c.Request.Context()))
}

func (h *controlHandler) handleForce(c *gin.Context) {
	report, err := h.engine.ForceIncrementalSync(c.Request.Context())
	if err != nil {
		h.writeError(c, "forced sync failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *controlHandler) handleEnable(c *gin.Context) {
	if err := h.engine.EnableSync(c.Request.Context()); err != nil {
		h.writeError(c, "enable sync failed", err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Status(c.Request.Context()))
}

func (h *controlHandler) handleDisable(c *gin.Context) {
	if err := h.engine.DisableSync(c.Request.Context()); err != nil {
		h.writeError(c, "disable sync failed", err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Status(c.Request.Context()))
}

func (h *controlHandler) handleRequestInitialSync(c *gin.Context) {
	message, err := h.engine.RequestInitialSync(c.Request.Context())
	if err != nil {
		h.writeError(c, "request initial sync failed", err)
		return
	}
	h.logger.Info("initial sync requested", zap.String("channel_id", message.ChannelID))
	c.JSON(http.StatusAccepted, message)
}

func (h *controlHandler) handleAnswerInitialSync(c *gin.Context) {
	var message syncengine.InitialMessage
	if err := c.ShouldBindJSON(&message); err != nil || strings.TrimSpace(message.ChannelID) == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_initial_message"})
		return
	}
	if err := h.engine.AnswerInitialSync(c.Request.Context(), message); err != nil {
		h.writeError(c, "answer initial sync failed", err)
		return
	}
	h.logger.Info("initial sync answered", zap.String("channel_id", message.ChannelID))
	c.Status(http.StatusAccepted)
}

func (h *controlHandler) handleWaitForInitialSync(c *gin.Context) {
	report, err := h.engine.WaitForInitialSync(c.Request.Context())
	if err != nil {
		h.writeError(c, "initial sync failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *controlHandler) writeError(c *gin.Context, message string, err error) {
	var protocolErr *syncengine.ProtocolError
	switch {
	case errors.Is(err, syncengine.ErrSyncDisabled):
		c.JSON(http.StatusConflict, errorResponse{Error: "sync_disabled"})
	case errors.Is(err, syncengine.ErrInitialSyncRunning):
		c.JSON(http.StatusConflict, errorResponse{Error: "initial_sync_running"})
	case errors.Is(err, syncengine.ErrNoInitialSync):
		c.JSON(http.StatusNotFound, errorResponse{Error: "no_initial_sync"})
	case errors.Is(err, syncengine.ErrNoUser):
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "no_user"})
	case errors.As(err, &protocolErr):
		h.logger.Warn(message, zap.Error(err))
		c.JSON(http.StatusBadGateway, errorResponse{Error: "initial_sync_protocol"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}
