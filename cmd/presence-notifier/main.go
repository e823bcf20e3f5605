package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/broadcast"
	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/store"
	"github.com/whisper/livechat/internal/userpresence"
)

// The presence notifier turns expired presence keys into offline broadcasts.
// Exactly one instance must run per Redis database: every subscriber to the
// keyevent channel receives every expiry.
func main() {
	log.Println("Starting livechat presence notifier...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	loc, _ := cfg.Location()

	if cfg.NATS.URL == "" {
		log.Fatalf("NATS_URL is required: offline events must reach every chatserver node")
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name + "-presence-notifier"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// lastSeenOn is also written to the users table when enabled.
	var (
		db       *sql.DB
		recorder presence.LastSeenRecorder
	)
	if cfg.Presence.LastSeenInDatabase {
		dbConfig := store.DefaultConfig()
		dbConfig.URL = cfg.Database.URL
		dbConfig.MaxOpenConns = 4
		db, err = store.Open(context.Background(), dbConfig)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		recorder = store.NewUserStore(db)
	}

	presenceSvc := presence.NewService(presence.NewRedisStore(rdb), recorder, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		GraceFactor:       cfg.Presence.GraceFactor,
	})
	facade := userpresence.New(presenceSvc, broadcast.NewBroadcaster(natsClient, nil), loc)

	source := presence.NewRedisExpirySource(rdb, cfg.Redis.DB, cfg.Presence.ConfigureKeyspace)
	notifier := presence.NewNotifier(source, facade, presence.NotifierConfig{
		Timeout:  cfg.Presence.NotifierTimeout,
		Location: loc,
	})
	if err := notifier.Start(context.Background()); err != nil {
		log.Fatalf("failed to start notifier: %v", err)
	}

	// Metrics and health endpoint.
	startedAt := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		state := "ok"
		if !natsClient.Connected() {
			status = http.StatusServiceUnavailable
			state = "nats_disconnected"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
			Uptime string `json:"uptime"`
		}{state, time.Since(startedAt).Round(time.Second).String()})
	})
	httpServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("livechat presence notifier running")
	log.Printf("  redis_addr:   %s (db=%d)", cfg.Redis.Addr, cfg.Redis.DB)
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  presence_ttl: %s", presenceSvc.TTL())
	log.Printf("  zone:         %s", loc)
	log.Printf("  metrics_addr: %s", cfg.Server.MetricsAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	notifier.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()
	// Offline events published by the last expiries are still buffered.
	if err := natsClient.Flush(2 * time.Second); err != nil {
		log.Printf("nats flush: %v", err)
	}
	natsClient.Close()
	if db != nil {
		db.Close()
	}
	rdb.Close()
}
