package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/chainsync"
	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

var (
	errMissingGateway  = errors.New("gateway dependency required")
	errMissingGatherer = errors.New("metrics gatherer dependency required")
)

// SyncReporter exposes the synchronizer's current status.
type SyncReporter interface {
	Status() chainsync.Status
}

// CheckpointLister lists persisted checkpoints.
type CheckpointLister interface {
	List(ctx context.Context) ([]checkpoint.Record, error)
}

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Dependencies struct {
	Gateway        http.Handler
	Sync           SyncReporter
	Checkpoints    CheckpointLister
	Database       Pinger
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Gatherer == nil {
		return nil, errMissingGatherer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sync:        deps.Sync,
		checkpoints: deps.Checkpoints,
		database:    deps.Database,
		logger:      logger,
	}

	router.GET("/ws", gin.WrapH(deps.Gateway))
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	router.GET("/sync/status", handler.handleSyncStatus)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			config.AllowAllOrigins = true
			origins = nil
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if !config.AllowAllOrigins {
		if len(origins) == 0 {
			config.AllowAllOrigins = true
		} else {
			config.AllowOrigins = origins
		}
	}
	return cors.New(config)
}

type httpHandler struct {
	sync        SyncReporter
	checkpoints CheckpointLister
	database    Pinger
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.database.PingContext(ctx); err != nil {
			h.logger.Warn("database health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type checkpointPayload struct {
	Emitter   string    `json:"emitter"`
	EventKind string    `json:"event_kind"`
	Height    uint64    `json:"height"`
	UpdatedAt time.Time `json:"updated_at"`
}

type syncStatusPayload struct {
	State       string              `json:"state"`
	LastHead    uint64              `json:"last_head"`
	Cycles      uint64              `json:"cycles"`
	LastError   string              `json:"last_error,omitempty"`
	LiveSince   *time.Time          `json:"live_since,omitempty"`
	Checkpoints []checkpointPayload `json:"checkpoints"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "synchronizer_disabled"})
		return
	}
	status := h.sync.Status()
	response := syncStatusPayload{
		State:       status.State.String(),
		LastHead:    status.LastHead,
		Cycles:      status.Cycles,
		LastError:   status.LastError,
		Checkpoints: []checkpointPayload{},
	}
	if !status.LiveSince.IsZero() {
		liveSince := status.LiveSince
		response.LiveSince = &liveSince
	}

	if h.checkpoints != nil {
		records, err := h.checkpoints.List(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to list checkpoints", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "checkpoint_list_failed"})
			return
		}
		for _, record := range records {
			response.Checkpoints = append(response.Checkpoints, checkpointPayload{
				Emitter:   record.Emitter,
				EventKind: record.EventKind,
				Height:    record.Height,
				UpdatedAt: record.UpdatedAt,
			})
		}
	}
	c.JSON(http.StatusOK, response)
}
