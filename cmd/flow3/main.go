package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Daggahh/flow3.chat/internal/api"
	"github.com/Daggahh/flow3.chat/internal/auth"
	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/config"
	"github.com/Daggahh/flow3.chat/internal/cost"
	"github.com/Daggahh/flow3.chat/internal/crypto"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/guard"
	"github.com/Daggahh/flow3.chat/internal/httputil"
	"github.com/Daggahh/flow3.chat/internal/metrics"
	"github.com/Daggahh/flow3.chat/internal/notifications"
	"github.com/Daggahh/flow3.chat/internal/orchestrator"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/provider/vendors"
	"github.com/Daggahh/flow3.chat/internal/ratelimit"
	"github.com/Daggahh/flow3.chat/internal/repository"
	"github.com/Daggahh/flow3.chat/internal/secrets"
	"github.com/Daggahh/flow3.chat/internal/stream"
	"github.com/Daggahh/flow3.chat/internal/telemetry"
	"github.com/Daggahh/flow3.chat/internal/tools"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const version = "0.1.0"

type stores struct {
	chats       repository.ChatRepository
	messages    repository.MessageRepository
	streams     repository.StreamRepository
	credentials repository.CredentialRepository
	documents   repository.DocumentRepository
	usage       cost.Tracker
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SecretsName != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets manager client", "error", err)
			os.Exit(1)
		}
		values, err := secrets.LoadEnv(ctx, store, cfg.SecretsName)
		if err != nil {
			slog.Error("failed to load secrets", "name", cfg.SecretsName, "error", err)
			os.Exit(1)
		}
		cfg.Overlay(values)
		slog.Info("loaded settings from secrets manager", "name", cfg.SecretsName, "keys", len(values))
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting flow3 chat", "addr", cfg.Addr, "version", version)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "flow3-chat",
		Version:     version,
		Instance:    cfg.PodName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	metrics.InitInstanceMetrics(cfg.PodName, version)

	var readyCheckers []api.HealthChecker

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		readyCheckers = append(readyCheckers, api.NewRedisHealthChecker(redisClient))
		slog.Info("using redis for streams, limits and breakers")
	} else {
		slog.Info("no redis configured, using in-memory limits and non-resumable streams")
	}

	var db *sql.DB
	st := inMemoryStores()
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := repository.Migrate(ctx, db); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		st = postgresStores(db)
		readyCheckers = append(readyCheckers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres repositories")
	} else {
		slog.Warn("no database configured, chats are kept in memory")
	}

	vault, err := crypto.NewVault(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to create vault", "error", err)
		os.Exit(1)
	}
	sessions, err := auth.NewVerifier(cfg.AuthSecret)
	if err != nil {
		slog.Error("failed to create session verifier", "error", err)
		os.Exit(1)
	}

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		cat, err = catalog.Load(cfg.CatalogFile)
		if err != nil {
			slog.Error("failed to load catalog", "path", cfg.CatalogFile, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("model catalog loaded", "models", len(cat.All()))

	notifier := setupNotifier(ctx, cfg, redisClient)

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.OnTransition(func(ctx context.Context, p domain.ProviderID, from, to circuitbreaker.State) {
			slog.Warn("circuit breaker transition", "provider", p, "from", from, "to", to)
			metrics.SetCircuitBreakerState(string(p), int(to))
		}),
	}
	if redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(redisClient))
	}
	if notifier != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.OnTransition(notifications.BreakerHook(notifier)))
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	factory := provider.NewFactory(provider.FactoryConfig{
		Catalog:      cat,
		Constructors: vendors.Constructors(),
		DefaultKeys:  cfg.DefaultKeys,
		Client:       httputil.NewClient(httputil.StreamingConfig()),
		Breakers:     breakers,
	})
	for p := range cfg.DefaultKeys {
		slog.Info("default key configured", "provider", p)
	}

	toolRegistry := tools.NewRegistry(tools.Config{
		Client:         httputil.NewClient(httputil.ToolConfig()),
		WeatherBaseURL: cfg.WeatherBaseURL,
		SerperAPIKey:   cfg.SerperAPIKey,
		Documents:      st.documents,
	})

	var (
		guestStore ratelimit.GuestStore  = ratelimit.NewInMemoryGuestStore()
		burst      ratelimit.RateLimiter = ratelimit.NewInMemoryRateLimiter()
		registry   stream.Registry       = stream.NoopRegistry{}
	)
	if redisClient != nil {
		guestStore = ratelimit.NewRedisGuestStore(redisClient)
		burst = ratelimit.NewRedisRateLimiter(redisClient)
		registry = stream.NewRedisRegistry(redisClient)
	}

	chatGuard := guard.New(st.messages, cat,
		guard.WithGuestLimiter(ratelimit.NewGuestLimiter(guestStore, cfg.GuestFreeLimit, 24*time.Hour)),
		guard.WithBurstLimit(burst, cfg.ChatRPM),
	)

	orch := orchestrator.New(st.messages, toolRegistry, cost.NewCalculator(cat),
		orchestrator.WithConfig(orchestrator.Config{
			Timeout:      cfg.ChatMaxDuration,
			MaxRetries:   cfg.ChatMaxRetries,
			MaxSteps:     cfg.ChatMaxSteps,
			RetryBackoff: 500 * time.Millisecond,
		}),
		orchestrator.WithTracker(st.usage),
	)

	handler := api.NewHandler(api.HandlerConfig{
		Factory:       factory,
		Vault:         vault,
		Guard:         chatGuard,
		Orchestrator:  orch,
		Registry:      registry,
		Sessions:      sessions,
		Chats:         st.chats,
		Messages:      st.messages,
		Streams:       st.streams,
		Credentials:   st.credentials,
		Notifier:      notifier,
		Breakers:      breakers,
		Spend:         st.usage,
		ReadyCheckers: readyCheckers,
		Version:       version,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// Streams are bounded by CHAT_MAX_DURATION, plus headroom for the tail.
		WriteTimeout: cfg.ChatMaxDuration + 30*time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

func inMemoryStores() stores {
	chats := repository.NewInMemoryChatRepository()
	return stores{
		chats:       chats,
		messages:    repository.NewInMemoryMessageRepository(chats),
		streams:     repository.NewInMemoryStreamRepository(),
		credentials: repository.NewInMemoryCredentialRepository(),
		documents:   repository.NewInMemoryDocumentRepository(),
		usage:       cost.NewInMemoryTracker(48 * time.Hour),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		chats:       repository.NewPostgresChatRepository(db),
		messages:    repository.NewPostgresMessageRepository(db),
		streams:     repository.NewPostgresStreamRepository(db),
		credentials: repository.NewPostgresCredentialRepository(db),
		documents:   repository.NewPostgresDocumentRepository(db),
		usage:       repository.NewPostgresUsageRepository(db),
	}
}

// setupNotifier returns nil when no SNS topic is configured.
func setupNotifier(ctx context.Context, cfg *config.Config, redisClient *redis.Client) notifications.Notifier {
	if cfg.SNSTopicARN == "" {
		return nil
	}
	sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN, notifications.WithSource(cfg.PodName))
	if err != nil {
		slog.Error("failed to create sns notifier, notifications disabled", "error", err)
		return nil
	}

	var dedup notifications.Deduplicator = notifications.NewInMemoryDeduplicator(time.Hour)
	if redisClient != nil {
		dedup = notifications.NewRedisDeduplicator(redisClient, time.Hour)
	}
	slog.Info("sns notifications enabled", "topic", cfg.SNSTopicARN)
	return notifications.NewDedupNotifier(sns, dedup)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
