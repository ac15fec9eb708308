package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"feedcore"
	"feedcore/internal/api/endpoints"
	"feedcore/internal/broker"
	"feedcore/internal/feed"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"
)

func main() {
	feedcore.InitConfig(".env")
	gin.SetMode(gin.ReleaseMode)
	if feedcore.GetConfig().Mode == "dev" {
		gin.SetMode(gin.DebugMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No streaming without the broker, so a startup failure is fatal.
	cfg := feedcore.GetConfig()
	b, err := broker.New(broker.Config{
		Port:            cfg.Broker.Port,
		MaxPayload:      cfg.Broker.MaxPayload,
		MaxPendingMsgs:  cfg.Broker.MaxPendingMsgs,
		MaxPendingBytes: cfg.Broker.MaxPendingBytes,
	}, feedcore.Logger)
	if err != nil {
		feedcore.Logger.Fatal().Err(err).Msg("Failed to start embedded broker")
	}

	hub := feed.NewHub(b.Conn(), feedcore.Logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	router, err := gracefulRouter(cfg.ApiPort)
	if err != nil {
		feedcore.Logger.Fatal().Err(err).Msg("Failed to build router")
	}
	defer router.Close()

	endpoints.FeedsHandler(router, hub, b, feedcore.Logger)

	feedcore.Logger.Debug().Msgf("Starting feed API on port %s", cfg.ApiPort)
	if err = router.RunWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		feedcore.Logger.Error().Err(err).Msg("HTTP server failed")
	}

	// The hub must stop routing before the broker goes away.
	stopHub()
	b.Shutdown()
}

func gracefulRouter(addr string) (*graceful.Graceful, error) {
	router, err := graceful.Default(graceful.WithAddr(addr))
	if err != nil {
		return nil, err
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Worker-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	return router, nil
}
