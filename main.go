// Command polyglot-coordinator is a thin demonstration wiring for the
// coordinator library: it builds one concrete adapter per backend from
// environment variables, assembles coordinator.Config/Deps, and exposes
// the diagnostics routes over HTTP. It is not a CLI surface — every
// option a real deployment needs is a field on coordinator.Config, and
// an embedding program is free to build that value however it likes
// instead of running this binary.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/makr-code/polyglot-coordinator/archive"
	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/documentstore"
	"github.com/makr-code/polyglot-coordinator/backend/graph"
	"github.com/makr-code/polyglot-coordinator/backend/relational"
	"github.com/makr-code/polyglot-coordinator/backend/vector"
	"github.com/makr-code/polyglot-coordinator/coordinator"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/embedder"
	"github.com/makr-code/polyglot-coordinator/logging"
	"github.com/makr-code/polyglot-coordinator/saga"
	"github.com/makr-code/polyglot-coordinator/security"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{
		Level:   env("LOG_LEVEL", "info"),
		Format:  env("LOG_FORMAT", "text"),
		Service: "polyglot-coordinator",
	})

	relAdapter, err := relational.New(relational.DefaultConfig(env("RELATIONAL_DSN", "postgres://localhost:5432/coordinator")), logger)
	if err != nil {
		return fmt.Errorf("relational adapter: %w", err)
	}

	vecAdapter, err := vector.New(vector.DefaultConfig(env("VECTOR_REDIS_URL", "redis://localhost:6379/0")), logger)
	if err != nil {
		return fmt.Errorf("vector adapter: %w", err)
	}

	graphAdapter, err := graph.New(graph.DefaultConfig(
		env("GRAPH_URI", "bolt://localhost:7687"),
		env("GRAPH_USERNAME", "neo4j"),
		env("GRAPH_PASSWORD", "neo4j"),
	), logger)
	if err != nil {
		return fmt.Errorf("graph adapter: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	blobs := documentstore.NewS3BlobStore(s3.NewFromConfig(awsCfg), env("BLOB_BUCKET", "coordinator-blobs"), "documents")

	docAdapter, err := documentstore.New(ctx, documentstore.DefaultConfig(env("DOCUMENT_COUCH_DSN", "http://localhost:5984/"), env("DOCUMENT_DATABASE", "documents")), blobs, logger)
	if err != nil {
		return fmt.Errorf("document adapter: %w", err)
	}

	sagaPool, err := pgxpool.New(ctx, env("SAGA_DSN", env("RELATIONAL_DSN", "postgres://localhost:5432/coordinator")))
	if err != nil {
		return fmt.Errorf("saga store pool: %w", err)
	}
	defer sagaPool.Close()

	leaseOpts, err := redis.ParseURL(env("LEASE_REDIS_URL", env("VECTOR_REDIS_URL", "redis://localhost:6379/0")))
	if err != nil {
		return fmt.Errorf("parse lease redis url: %w", err)
	}
	leaseClient := redis.NewClient(leaseOpts)
	defer leaseClient.Close()

	archivePool, err := pgxpool.New(ctx, env("ARCHIVE_DSN", env("RELATIONAL_DSN", "postgres://localhost:5432/coordinator")))
	if err != nil {
		return fmt.Errorf("archive index pool: %w", err)
	}
	defer archivePool.Close()

	tokens := security.NewTokenService([]byte(env("JWT_SECRET", "dev-secret-change-me")), 24*time.Hour, "polyglot-coordinator")
	auditWriter := logrus.New()
	audit := security.NewBoundedAuditSink(4096, 1024, auditWriter, logger)

	cfg := coordinator.DefaultConfig()
	deps := coordinator.Deps{
		Adapters: map[document.Backend]backend.Adapter{
			document.BackendRelational: relAdapter,
			document.BackendVector:     vecAdapter,
			document.BackendGraph:      graphAdapter,
			document.BackendDocument:   docAdapter,
		},
		BlobStore: blobs,
		Embedder:  embedder.NewHashEmbedder(128),
		SagaStore: saga.NewPgStore(sagaPool),
		SagaLease: saga.NewRedisLease(leaseClient, "saga:lease:"),
		Auth:      security.NewJWTAuthProvider(tokens),
		Audit:     audit,
		Log:       logger,
	}

	coord, err := coordinator.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	coord.WithArchiveIndex(archive.NewPgIndex(archivePool))

	coord.Start(ctx)
	defer coord.Stop()

	e := echo.New()
	e.HideBanner = true
	coord.RegisterRoutes(e.Group("/v1"))

	srv := &http.Server{Addr: env("LISTEN_ADDR", ":8080"), Handler: e}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("coordinator listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
