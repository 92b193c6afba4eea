package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sqlchat/sqlchat/internal/api"
	"github.com/sqlchat/sqlchat/internal/api/uistatic"
	"github.com/sqlchat/sqlchat/internal/assistant"
	"github.com/sqlchat/sqlchat/internal/audit"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/conversation"
	"github.com/sqlchat/sqlchat/internal/database"
	"github.com/sqlchat/sqlchat/internal/llm"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/prompt"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/schema"
	"github.com/sqlchat/sqlchat/internal/secrets"
	"github.com/sqlchat/sqlchat/internal/storage"
	s3store "github.com/sqlchat/sqlchat/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if secrets.NeedsResolution(cfg) {
		resolver, err := secrets.NewFromEnvironment(ctx)
		if err != nil {
			slog.Error("failed to initialize secret resolver", slog.Any("error", err))
			os.Exit(1)
		}
		if err := resolver.ResolveConfig(ctx, &cfg); err != nil {
			slog.Error("failed to resolve secrets", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	var shared *database.Handle
	if cfg.Database.HasDefaultDatabase() {
		shared, err = database.Open(ctx, databaseConfig(cfg.Database))
		if err != nil {
			logger.Error("failed to open default database", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = shared.Close() }()
		logger.Info("default database connected", slog.String("target", shared.Target()))
	} else {
		logger.Warn("no default database configured; sessions must connect first")
	}

	completer, err := llm.New(ctx, llm.Config{
		Provider:    cfg.AI.Provider,
		CallShape:   cfg.AI.CallShape,
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		APIVersion:  cfg.AI.APIVersion,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}

	personas, err := prompt.LoadPersonas(cfg.Assistant.PersonaFile)
	if err != nil {
		logger.Error("failed to load personas", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := personas.Get(cfg.Assistant.Persona); err != nil {
		logger.Error("invalid default persona", slog.Any("error", err))
		os.Exit(1)
	}

	recorders := audit.Multi{audit.LogRecorder{Logger: logger}}
	var (
		archiver    *audit.Archiver
		objectStore storage.ObjectStore
	)
	if cfg.Audit.ArchiveEnabled {
		objectStore, err = openObjectStore(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver, err = audit.NewArchiver(objectStore, audit.ArchiverConfig{
			Prefix:        cfg.Audit.Prefix,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize audit archiver", slog.Any("error", err))
			os.Exit(1)
		}
		recorders = append(recorders, archiver)
	}

	service, err := assistant.New(assistant.Options{
		Personas:           personas,
		DefaultPersona:     cfg.Assistant.Persona,
		Fetcher:            schema.NewFetcher(cfg.Database.SchemaSampleRows),
		Completer:          completer,
		Executor:           query.Executor{MaxRows: cfg.Database.MaxRows, ReadOnly: cfg.Database.ReadOnly},
		ValidateSQL:        cfg.Assistant.ValidateSQL,
		MaxQuestionLength:  cfg.Assistant.MaxQuestionLength,
		ConnectDefaults:    databaseConfig(cfg.Database),
		AllowFileDatabases: cfg.Database.AllowFileConnect,
		Recorder:           recorders,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to initialize assistant", slog.Any("error", err))
		os.Exit(1)
	}

	sessions := conversation.NewStore(cfg.Session.TTL, cfg.Session.CleanupInterval, logger)
	defer sessions.Close()

	deps := api.Dependencies{
		Logger:         logger,
		Assistant:      service,
		Sessions:       sessions,
		SharedDatabase: shared,
		UI:             uistatic.Handler(),
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(shared),
			api.CheckObjectStore(objectStore),
		),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("persona", cfg.Assistant.Persona),
			slog.String("ai_provider", cfg.AI.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if archiver != nil {
		group.Go(func() error {
			return archiver.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Name:            cfg.Name,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// openObjectStore falls back to an in-process store when no endpoint is set;
// archives then live only as long as the process.
func openObjectStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.ObjectStore, error) {
	endpoint := strings.TrimSpace(cfg.ObjectStore.Endpoint)
	if endpoint == "" || endpoint == "memory" {
		logger.Warn("audit archive uses in-memory object store")
		return storage.NewMemoryStore(), nil
	}
	return s3store.New(ctx, cfg.ObjectStore)
}
