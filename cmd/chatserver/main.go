package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/app"
	"github.com/whisper/livechat/internal/auth"
	"github.com/whisper/livechat/internal/broadcast"
	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/gate"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/store"
	"github.com/whisper/livechat/internal/userpresence"
	"github.com/whisper/livechat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	loc, _ := cfg.Location()

	// --- Redis ---
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

	// --- PostgreSQL ---
	dbConfig := store.DefaultConfig()
	dbConfig.URL = cfg.Database.URL
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	db, err := store.Open(context.Background(), dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}
	users := store.NewUserStore(db)
	chats := chat.NewCachedRepository(store.NewChatStore(db), cfg.Chat.MemberCacheTTL)

	// --- Message bus ---
	var (
		bus        broadcast.Bus
		localBus   *broadcast.LocalBus
		natsClient *messaging.NATSClient
	)
	if cfg.NATS.URL == "" {
		log.Printf("NATS_URL is empty, running single-node on the in-process bus")
		if !cfg.Presence.EmbeddedNotifier {
			log.Printf("warning: EMBEDDED_NOTIFIER is off, expired presence will not be announced")
		}
		localBus = broadcast.NewLocalBus()
		bus = localBus
	} else {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name + "-chatserver"
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	}

	registry := broadcast.NewRegistry()
	broadcaster := broadcast.NewBroadcaster(bus, registry)
	if err := broadcaster.Start(); err != nil {
		log.Fatalf("failed to start broadcaster: %v", err)
	}

	// --- Presence ---
	var recorder presence.LastSeenRecorder
	if cfg.Presence.LastSeenInDatabase {
		recorder = users
	}
	presenceSvc := presence.NewService(presence.NewRedisStore(rdb), recorder, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		GraceFactor:       cfg.Presence.GraceFactor,
	})
	facade := userpresence.New(presenceSvc, broadcaster, loc)

	var notifier *presence.Notifier
	if cfg.Presence.EmbeddedNotifier {
		source := presence.NewRedisExpirySource(rdb, cfg.Redis.DB, cfg.Presence.ConfigureKeyspace)
		notifier = presence.NewNotifier(source, facade, presence.NotifierConfig{
			Timeout:  cfg.Presence.NotifierTimeout,
			Location: loc,
		})
		if err := notifier.Start(context.Background()); err != nil {
			log.Fatalf("failed to start presence notifier: %v", err)
		}
	}

	// --- Gate and application ---
	jwtConfig := auth.DefaultJWTConfig()
	jwtConfig.Secret = cfg.JWT.Secret
	jwtConfig.Issuer = cfg.JWT.Issuer
	jwtConfig.TokenTTL = cfg.JWT.TokenTTL
	jwtConfig.Leeway = cfg.JWT.Leeway
	g := gate.New(auth.NewJWTValidator(jwtConfig))

	var limiter app.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(rdb)
	}

	chatSvc := chat.NewService(chats, broadcaster)
	if cfg.Chat.Moderation {
		terms := cfg.Chat.BlockedTerms
		if len(terms) == 0 {
			terms = moderation.DefaultTerms
		}
		chatSvc.WithScreener(moderation.New(terms, cfg.Chat.BlockSpam))
	}

	application := app.New(app.Deps{
		Chat:        chatSvc,
		Presence:    facade,
		Registry:    registry,
		Limiter:     limiter,
		HookTimeout: cfg.Server.HandlerTimeout,
	})
	router := ws.NewRouter(cfg.Server.HandlerTimeout)
	application.Routes(router)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.SendQueueSize = cfg.Server.SendQueueSize
	serverConfig.ClientHeartbeat = cfg.Presence.HeartbeatInterval
	serverConfig.Heartbeat = ws.HeartbeatConfig{Interval: cfg.Server.PingInterval, Timeout: cfg.Server.PingTimeout}
	if cfg.RateLimit.Enabled {
		serverConfig.FrameRate = cfg.RateLimit.FrameRate
		serverConfig.FrameBurst = cfg.RateLimit.FrameBurst
	} else {
		serverConfig.FrameRate = 0
	}

	server := ws.NewServer(serverConfig, g, application.Hooks(router))

	log.Printf("livechat server starting")
	log.Printf("  listen_addr:        %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:        %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections:    %d", serverConfig.MaxConnections)
	log.Printf("  redis_addr:         %s (db=%d)", cfg.Redis.Addr, cfg.Redis.DB)
	log.Printf("  nats_url:           %s", cfg.NATS.URL)
	log.Printf("  heartbeat_interval: %s (ttl=%s)", cfg.Presence.HeartbeatInterval, presenceSvc.TTL())
	log.Printf("  presence_zone:      %s", loc)
	log.Printf("  embedded_notifier:  %v", cfg.Presence.EmbeddedNotifier)
	log.Printf("  moderation:         %v (spam=%v)", cfg.Chat.Moderation, cfg.Chat.BlockSpam)

	// Graceful shutdown. Connections are closed without logging users out;
	// their presence keys expire and the notifier announces them offline.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if notifier != nil {
			notifier.Stop()
		}
		if natsClient != nil {
			if err := natsClient.Flush(2 * time.Second); err != nil {
				log.Printf("nats flush: %v", err)
			}
			natsClient.Close()
		}
		if localBus != nil {
			localBus.Close()
		}
		chats.Close()
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
