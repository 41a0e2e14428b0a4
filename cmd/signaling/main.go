package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/handlers"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/metrics"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := rediskeys.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("redis connection established", zap.String("addr", cfg.Redis.Addr()))

	relay := signal.NewRedis(rdb,
		signal.WithLogger(log),
		signal.WithAckFlushInterval(cfg.Signal.AckFlushInterval),
	)
	defer relay.Close()
	participants := roster.NewRedis(rdb, log)

	provider, err := metrics.NewProvider()
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	instruments, err := metrics.New(provider)
	if err != nil {
		return err
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := handlers.NewServer(rdb, participants, relay, log).WithMetrics(instruments)
	router := handlers.NewRouter(cfg, server)
	router.GET("/metrics", gin.WrapH(provider.Handler()))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting signaling gateway", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
