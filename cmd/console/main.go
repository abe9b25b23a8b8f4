package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"scan-console/internal/api"
	"scan-console/internal/config"
	"scan-console/internal/journal"
	"scan-console/internal/notify"
	"scan-console/internal/ratelimit"
	"scan-console/internal/store"
	"scan-console/internal/upstream"
	"scan-console/internal/watcher"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st := store.New()
	up := upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout)
	hub := notify.NewHub()

	notifiers := notify.Multi{notify.LogNotifier{Log: logger}}

	var limiter *ratelimit.Bucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		// Toasts travel through Redis so every replica's SSE clients see
		// them; the relay feeds them back into the local hub.
		notifiers = append(notifiers, notify.NewRedisNotifier(client, cfg.NotifyChannel))
		go notify.Relay(ctx, client, cfg.NotifyChannel, hub, logger)
	} else {
		notifiers = append(notifiers, hub)
	}

	opts := watcher.Options{
		Store:    st,
		Upstream: up,
		Notifier: notifiers,
		Log:      logger,
		Interval: cfg.PollInterval,
		PageSize: cfg.PageSize,
	}

	var jn *journal.Journal
	if cfg.PostgresDSN != "" {
		jn, err = journal.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer jn.Close()
		if err := jn.Migrate(ctx); err != nil {
			logger.Fatal("migrations", zap.Error(err))
		}
		opts.Journal = jn
	}

	w := watcher.New(opts)

	// Initial load; the upstream may still be coming up, so a failure here
	// leaves an empty list rather than aborting.
	if page, err := up.ListScans(ctx, 1, cfg.PageSize); err != nil {
		logger.Warn("initial scan list failed", zap.Error(err))
	} else {
		st.ReplaceAll(page.Scans, page.Total)
	}

	w.Start(ctx)
	defer w.Stop()

	server := api.New(cfg, st, up, w, hub, jn, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("console listening", zap.String("port", cfg.HTTPPort), zap.String("upstream", cfg.UpstreamURL))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
