package endpoints

import (
	"net/http"
	"time"

	"feedcore/internal/broker"
	"feedcore/internal/feed"

	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 1024, // frames are large
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the auth layer in front of this service
		return true
	},
}

type feedsHandler struct {
	hub    *feed.Hub
	broker *broker.Broker
	logger zerolog.Logger
}

// FeedsHandler sets up the camera feed routes.
func FeedsHandler(router *graceful.Graceful, hub *feed.Hub, b *broker.Broker, logger zerolog.Logger) {
	h := &feedsHandler{hub: hub, broker: b, logger: logger}

	router.GET("/health", h.health)

	// WebSocket endpoint lives outside the /api group
	router.GET("/ws/feeds", h.handleFeedWebSocket)

	api := router.Group("/api")
	{
		api.GET("/feeds/stats", h.getFeedStats)
	}
}

// handleFeedWebSocket upgrades the connection and hands it to the hub.
func (slf *feedsHandler) handleFeedWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slf.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	// Authentication happened upstream; take whatever identity it left behind.
	userID := c.GetString("userID")
	if userID == "" {
		userID = "anonymous"
	}

	clientID := uuid.New().String()
	clientLogger := slf.logger.With().Str("clientId", clientID).Logger()
	client := feed.NewClient(slf.hub, conn, userID, c.ClientIP(), clientLogger)

	slf.hub.Register(client)

	slf.logger.Info().
		Str("clientId", clientID).
		Str("userId", userID).
		Str("remoteAddr", c.ClientIP()).
		Msg("Feed WebSocket connection established")

	go client.WritePump()
	go client.ReadPump()
}

// getFeedStats merges hub and broker statistics for the operations dashboard.
func (slf *feedsHandler) getFeedStats(c *gin.Context) {
	stats := slf.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"enabled":       true,
		"clients":       stats.Clients,
		"subscriptions": stats.Subscriptions,
		"activeCameras": stats.ActiveCameras,
		"broker":        slf.broker.Stats(),
	})
}

func (slf *feedsHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
