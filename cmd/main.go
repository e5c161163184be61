package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/adapters/business"
	"github.com/satriahrh/voxbridge/adapters/cache"
	"github.com/satriahrh/voxbridge/adapters/codec"
	"github.com/satriahrh/voxbridge/adapters/llm"
	"github.com/satriahrh/voxbridge/adapters/mongo"
	"github.com/satriahrh/voxbridge/adapters/stt"
	"github.com/satriahrh/voxbridge/adapters/tts"
	"github.com/satriahrh/voxbridge/domain/repositories"
	"github.com/satriahrh/voxbridge/internal/api"
	"github.com/satriahrh/voxbridge/internal/auth"
	"github.com/satriahrh/voxbridge/internal/bridge"
	"github.com/satriahrh/voxbridge/internal/config"
	"github.com/satriahrh/voxbridge/internal/realtime"
	"github.com/satriahrh/voxbridge/internal/tools"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg := config.Load()

	// Initialize logger
	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	g711, err := codec.NewG711Codec(cfg.SpeechSampleRate)
	if err != nil {
		logger.Fatal("Failed to create codec", zap.Error(err))
	}

	// Business collaborators
	store := business.NewMemoryStore()
	seedDemoBusiness(store, cfg)

	var profiles repositories.ProfileSource = store
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("Redis unavailable, profile cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			profiles = cache.NewProfileCache(rdb, store, cfg.ProfileCacheTTL, logger)
			logger.Info("Agent profile cache enabled", zap.Duration("ttl", cfg.ProfileCacheTTL))
		}
	}

	// Tools
	registry := tools.NewRegistry()
	if err := tools.RegisterBusinessTools(registry, store); err != nil {
		logger.Fatal("Failed to register tools", zap.Error(err))
	}
	policy, err := loadPolicy(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to load tool policy", zap.Error(err))
	}
	dispatcher := tools.NewDispatcher(registry, logger,
		tools.WithPolicy(policy),
		tools.WithTimeout(cfg.ToolTimeout))

	// Stream tokens
	var issuer *auth.TokenIssuer
	if cfg.StreamTokenSecret != "" {
		issuer, err = auth.NewTokenIssuer(cfg.StreamTokenSecret, cfg.StreamTokenTTL)
		if err != nil {
			logger.Fatal("Failed to create token issuer", zap.Error(err))
		}
	}

	deps := bridge.Deps{
		Resolver: &bridge.ConfigResolver{
			Profiles:     profiles,
			Issuer:       issuer,
			RequireToken: cfg.RequireStreamToken,
			Defaults:     cfg.SessionDefaults(),
			Tools:        dispatcher.Manifest(),
			Logger:       logger,
		},
		Dialer: bridge.RealtimeDialer(&realtime.Dialer{
			URL:              cfg.RealtimeURL,
			APIKey:           cfg.RealtimeAPIKey,
			Model:            cfg.RealtimeModel,
			HandshakeTimeout: cfg.ConnectTimeout,
			Logger:           logger,
		}),
		Codec:  g711,
		Tools:  dispatcher,
		Logger: logger,
	}

	// Optional integrations
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(ctx, mongo.Options{
			URI:                    cfg.MongoURI,
			Database:               cfg.MongoDatabase,
			MaxPoolSize:            cfg.MongoMaxPoolSize,
			MinPoolSize:            cfg.MongoMinPoolSize,
			MaxConnIdleTime:        cfg.MongoMaxConnIdleTime,
			ServerSelectionTimeout: cfg.MongoServerSelectionTimeout,
			ConnectTimeout:         cfg.MongoConnectTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(closeCtx)
		}()
		repo := mongo.NewTranscriptRepository(client.Database)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure transcript indexes", zap.Error(err))
		}
		deps.Transcripts = repo
	} else {
		logger.Warn("MONGODB_URI not set, transcripts will not be persisted")
	}

	if cfg.GeminiAPIKey != "" {
		summarizer, err := llm.NewGeminiSummarizer(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create summarizer", zap.Error(err))
		}
		deps.Summarizer = summarizer
	}

	if cfg.GoogleSTTEnabled {
		transcriber, err := stt.NewGoogleSpeechToText(ctx, logger)
		if err != nil {
			logger.Fatal("Failed to create Google Speech client", zap.Error(err))
		}
		defer transcriber.Close()
		deps.Transcriber = transcriber
	}

	if cfg.ElevenLabsAPIKey != "" {
		announcer, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoiceID,
			ModelID: cfg.ElevenLabsModelID,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create ElevenLabs client", zap.Error(err))
		}
		deps.Announcer = announcer
	}

	opts := bridge.DefaultOptions()
	opts.CommitInterval = cfg.CommitInterval
	opts.PreconnectFrames = cfg.PreconnectBufferFrames
	opts.FallbackMessage = cfg.FallbackMessage
	opts.Language = cfg.Language
	opts.Reconnect.MaxAttempts = cfg.ReconnectMaxAttempts
	opts.Reconnect.BaseDelay = cfg.ReconnectBaseDelay
	opts.Reconnect.MaxDelay = cfg.ReconnectMaxDelay

	// Session hub and lifetime sweeper
	hub := bridge.NewHub(logger)
	go hub.Run(ctx)

	sweeper := bridge.NewSweeper(hub, cfg.MaxCallDuration, cfg.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	handler := bridge.NewHandler(ctx, hub, deps, opts, cfg.InboundQueueDepth, logger)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, hub, handler, issuer, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Voice bridge started",
		zap.String("port", cfg.Port),
		zap.Int("speechSampleRate", cfg.SpeechSampleRate))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	// ending the base context drains every live call
	stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), opts.FlushTimeout+opts.FallbackTimeout)
	defer cancelDrain()
	if err := handler.Wait(drainCtx); err != nil {
		logger.Error("Calls still draining at shutdown", zap.Error(err))
	} else {
		logger.Info("All calls drained")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func loadPolicy(ctx context.Context, cfg *config.Config) (*tools.PolicyEngine, error) {
	content := tools.DefaultPolicy(cfg.MaxPayment)
	if cfg.ToolPolicyFile != "" {
		b, err := os.ReadFile(cfg.ToolPolicyFile)
		if err != nil {
			return nil, err
		}
		content = string(b)
	}
	return tools.NewPolicyEngine(ctx, content)
}

// seedDemoBusiness registers a development tenant so the bridge answers calls out of the box
func seedDemoBusiness(store *business.MemoryStore, cfg *config.Config) {
	store.AddBusiness(business.Business{
		ID: "demo",
		Info: repositories.BusinessInfo{
			Name:     "Demo Pizzeria",
			Phone:    "+15550100000",
			Hours:    map[string]string{"mon-sun": "11:00-22:00"},
			Services: []string{"pickup", "delivery"},
		},
		Profiles: map[string]repositories.AgentProfile{
			"": {
				BusinessID:   "demo",
				BusinessName: "Demo Pizzeria",
				Config:       cfg.SessionDefaults(),
			},
		},
	})
}
