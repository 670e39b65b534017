package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-api-guard/internal/application/otp"
	"github.com/go-api-guard/internal/application/registry"
	"github.com/go-api-guard/internal/config"
	awsinfra "github.com/go-api-guard/internal/infrastructure/aws"
	"github.com/go-api-guard/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-api-guard/internal/infrastructure/jwt"
	"github.com/go-api-guard/internal/infrastructure/kv"
	s3infra "github.com/go-api-guard/internal/infrastructure/s3"
	"github.com/go-api-guard/internal/infrastructure/sns"
	transporthttp "github.com/go-api-guard/internal/transport/http"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration rejected", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	services := registry.New(cfg, awsOptions(ctx, cfg)...)

	// Authenticated routes are disabled without a JWT provider.
	var jwtProvider *jwtinfra.Provider
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		jwtProvider = p
	} else {
		slog.Warn("JWT provider not available, authenticated routes disabled", "err", err)
	}

	deps := &transporthttp.Deps{
		Services:    services,
		JWTProvider: jwtProvider,
		CodeSender:  otp.LogSender{RevealCode: cfg.IsDevelopment()},
	}
	router := transporthttp.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv, "backend", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "err", err)
	}
	if err := services.Close(shutdownCtx); err != nil {
		slog.Warn("closing stores", "err", err)
	}
	slog.Info("server stopped")
}

// awsOptions wires the AWS-backed collaborators that are configured: the
// DynamoDB primary store, S3 fallback snapshots and SNS breaker alerts.
func awsOptions(ctx context.Context, cfg *config.Config) []registry.Option {
	needDynamo := cfg.StoreBackend == kv.BackendDynamo
	if !needDynamo && cfg.SnapshotBucket == "" && cfg.AlertTopicARN == "" {
		return nil
	}
	awsCfg, err := awsinfra.LoadConfig(ctx, cfg)
	if err != nil {
		slog.Warn("AWS unavailable, continuing without it", "err", err)
		return nil
	}

	var opts []registry.Option
	if needDynamo {
		client := dynamo.NewClient(awsCfg, cfg.AWSEndpointURL)
		if cfg.DynamoBootstrap {
			dynamo.Bootstrap(ctx, client, cfg.DynamoTable)
		}
		opts = append(opts, registry.WithDynamo(client))
	}
	if cfg.SnapshotBucket != "" {
		client := s3infra.NewClient(awsCfg, cfg.AWSEndpointURL)
		opts = append(opts, registry.WithSnapshots(s3infra.NewSnapshotStore(client, cfg.SnapshotBucket, cfg.SnapshotPrefix)))
	}
	if cfg.AlertTopicARN != "" {
		client := sns.NewClient(awsCfg, cfg.AWSEndpointURL)
		opts = append(opts, registry.WithAlerter(sns.NewAlerter(client, cfg.AlertTopicARN)))
	}
	return opts
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
