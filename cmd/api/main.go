package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ansible-job-dashboard/internal/api"
	"ansible-job-dashboard/internal/archive"
	"ansible-job-dashboard/internal/config"
	"ansible-job-dashboard/internal/hub"
	"ansible-job-dashboard/internal/ratelimit"
	"ansible-job-dashboard/internal/store"
	"ansible-job-dashboard/internal/telemetry"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	broadcast := hub.New(
		hub.WithBuffer(cfg.ObserverBuffer),
		hub.WithDropCallback(func() { telemetry.BroadcastDropped.Inc() }),
	)

	var limiter api.ReportLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("report rate limiting enabled")
	}

	var archiver *archive.Archiver
	if up, err := archive.NewS3Uploader(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("init s3 archiver")
	} else if up != nil {
		archiver = archive.New(st, up, cfg.ArchiveS3Prefix, log)
		log.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("transcript archiving enabled")
	}

	server := api.New(cfg, st, broadcast, limiter, archiver, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("dashboard api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
