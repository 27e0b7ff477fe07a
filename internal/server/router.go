// Package server builds the HTTP surface of the relay: the WebSocket
// attach route, the upstream ingress endpoint the gateway webhook
// translator calls, and read-only debug introspection.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zapdesk/realtime/internal/dispatch"
	"github.com/zapdesk/realtime/internal/hub"
	"github.com/zapdesk/realtime/internal/protocol"
	"github.com/zapdesk/realtime/internal/registry"
)

// RouterConfig holds dependencies for building the HTTP router.
type RouterConfig struct {
	Hub        *hub.Hub
	Registry   *registry.Registry
	Stats      *registry.Stats
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Production bool
}

// notifyRequest is the ingress body for targeted delivery.
type notifyRequest struct {
	UserID        string         `json:"userId" binding:"required"`
	Event         string         `json:"event" binding:"required"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlationId"`
}

// NewRouter builds the gin engine with all relay routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws", gin.WrapF(cfg.Hub.Attach))

	r.POST("/api/internal/notify", func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if !protocol.DeliverableEvent(req.Event) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event is not deliverable: " + req.Event})
			return
		}

		result := cfg.Dispatcher.NotifyUser(req.UserID, req.Event, req.Payload, req.CorrelationID)

		status := http.StatusOK
		if !result.Success {
			// The caller distinguishes "user offline" from a malformed
			// request by status; delivery failure is not a server error.
			status = http.StatusAccepted
		}
		c.JSON(status, result)
	})

	debug := r.Group("/api/debug/websocket")
	{
		debug.GET("/connections", func(c *gin.Context) {
			sessions := cfg.Registry.Snapshot()
			c.JSON(http.StatusOK, gin.H{
				"total":       len(sessions),
				"connections": sessions,
			})
		})

		debug.GET("/user/:userId", func(c *gin.Context) {
			userID := c.Param("userId")
			session, ok := cfg.Registry.Lookup(userID)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "user not connected", "userId": userID})
				return
			}
			c.JSON(http.StatusOK, session.Info())
		})

		debug.GET("/stats", func(c *gin.Context) {
			snapshot := cfg.Stats.Snapshot()
			c.JSON(http.StatusOK, gin.H{
				"messages":          snapshot,
				"activeConnections": cfg.Registry.Len(),
			})
		})
	}

	return r
}
