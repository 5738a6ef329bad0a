// Package main is the entry point for the exception clustering engine.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fidde/exception_clusterer/internal/api"
	"github.com/fidde/exception_clusterer/internal/fingerprint"
	"github.com/fidde/exception_clusterer/internal/indexing"
	"github.com/fidde/exception_clusterer/internal/ingest"
	"github.com/fidde/exception_clusterer/internal/locks"
	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/rca"
	"github.com/fidde/exception_clusterer/internal/receiver"
	"github.com/fidde/exception_clusterer/internal/storage"
	"github.com/fidde/exception_clusterer/internal/storage/archive"
	"github.com/fidde/exception_clusterer/internal/tasks"
	"github.com/fidde/exception_clusterer/pkg/models"
)

func main() {
	log.Println("Starting exception clustering engine...")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(getEnv("LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	// Storage
	storageCfg := storage.Config{
		Backend:    getEnv("STORAGE_BACKEND", "sqlite"),
		SQLitePath: getEnv("SQLITE_PATH", "clusters.db"),
	}
	store, err := storage.NewStorage(storageCfg)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}

	// Marker keyspace for RCA single-flight
	var markers locks.Keyspace
	switch backend := getEnv("LOCK_BACKEND", "memory"); backend {
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		markers, err = locks.NewRedis(context.Background(), redisAddr, "excl:")
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		log.Printf("Using redis markers at %s", redisAddr)
	case "memory":
		markers = locks.NewMemory()
	default:
		log.Fatalf("Unknown lock backend: %s (supported: memory, redis)", backend)
	}

	// Job queue
	q := queue.New(queue.Config{
		Workers: getEnvInt("QUEUE_WORKERS", 4),
		Depth:   getEnvInt("QUEUE_DEPTH", 256),
	}, logger)

	// Fingerprint engine, optionally with custom masking patterns
	engineOpts := []fingerprint.Option{}
	if patternsPath := getEnv("PATTERNS_PATH", ""); patternsPath != "" {
		patterns, err := fingerprint.LoadPatterns(patternsPath)
		if err != nil {
			log.Fatalf("Failed to load patterns from %s: %v", patternsPath, err)
		}
		engineOpts = append(engineOpts, fingerprint.WithPatterns(patterns))
		log.Printf("Loaded masking patterns from %s", patternsPath)
	}
	engine := fingerprint.New(engineOpts...)

	// Optional ClickHouse raw event archive
	var archiver ingest.Archiver
	var eventArchive *archive.Archive
	if getEnvBool("ARCHIVE_ENABLED", false) {
		archiveCfg := archive.DefaultConfig()
		archiveCfg.Addr = getEnv("CLICKHOUSE_ADDR", archiveCfg.Addr)
		archiveCfg.Database = getEnv("CLICKHOUSE_DATABASE", archiveCfg.Database)
		archiveCfg.Username = getEnv("CLICKHOUSE_USERNAME", archiveCfg.Username)
		archiveCfg.Password = getEnv("CLICKHOUSE_PASSWORD", archiveCfg.Password)

		connectCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		eventArchive, err = archive.New(connectCtx, archiveCfg, logger)
		cancel()
		if err != nil {
			log.Fatalf("Failed to create event archive: %v", err)
		}
		archiver = eventArchive
		log.Printf("Archiving raw events to ClickHouse at %s", archiveCfg.Addr)
	}

	// Ingestion pipeline
	processor := ingest.New(store, engine, archiver, ingest.Config{
		ReactivateOnEvent: getEnvBool("REACTIVATE_ON_EVENT", false),
	}, logger)

	// Indexing scheduler with the local repository indexer
	indexingCfg := indexing.DefaultConfig()
	scheduler := indexing.New(store, q, indexing.NewLocalIndexer(getEnv("REPOS_DIR", "repos")), indexingCfg, logger)

	// RCA coordinator with the built-in heuristic analyzer
	coordinator := rca.New(store, markers, q, rca.NewHeuristicAnalyzer(), rca.DefaultConfig(), logger)

	// Task orchestrator; log fetch connectors are deployment-specific,
	// the default pulls nothing.
	orch := tasks.New(store, q, noopFetcher{}, processor, scheduler, coordinator, tasks.DefaultConfig(), logger)
	processor.OnClusterCreated(orch.OnClusterCreated)

	orchCtx, stopOrch := context.WithCancel(context.Background())
	go orch.Run(orchCtx)

	// OTLP receivers
	otlpHTTPAddr := getEnv("OTLP_HTTP_ADDR", "0.0.0.0:4318")
	otlpGRPCAddr := getEnv("OTLP_GRPC_ADDR", "0.0.0.0:4317")
	httpReceiver := receiver.NewHTTPReceiver(otlpHTTPAddr, processor, logger)
	grpcReceiver := receiver.NewGRPCReceiver(otlpGRPCAddr, processor, logger)

	// REST API server
	apiAddr := getEnv("API_ADDR", "0.0.0.0:8080")
	apiServer := api.NewServer(apiAddr, store, processor, orch, coordinator, scheduler, q)

	// pprof on a separate port
	pprofAddr := getEnv("PPROF_ADDR", "localhost:6060")
	go func() {
		log.Printf("Starting pprof server on http://%s/debug/pprof", pprofAddr)
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			log.Printf("pprof server error: %v", err)
		}
	}()

	errChan := make(chan error, 3)

	go func() {
		log.Printf("Starting OTLP HTTP receiver on %s", otlpHTTPAddr)
		if err := httpReceiver.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("OTLP HTTP receiver error: %w", err)
		}
	}()

	go func() {
		log.Printf("Starting OTLP gRPC receiver on %s", otlpGRPCAddr)
		if err := grpcReceiver.Start(); err != nil {
			errChan <- fmt.Errorf("OTLP gRPC receiver error: %w", err)
		}
	}()

	go func() {
		log.Printf("Starting REST API server on %s", apiAddr)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	log.Println("All servers started successfully")
	log.Printf("  - OTLP HTTP: http://%s/v1/logs", otlpHTTPAddr)
	log.Printf("  - OTLP gRPC: %s", otlpGRPCAddr)
	log.Printf("  - Clusters: http://%s/api/v1/clusters", apiAddr)
	log.Printf("  - Health: http://%s/api/v1/health", apiAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v, shutting down...", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Println("Shutting down servers...")
	stopOrch()
	if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down OTLP HTTP receiver: %v", err)
	}
	if err := grpcReceiver.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down OTLP gRPC receiver: %v", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}

	log.Println("Draining job queue...")
	q.Close()

	if eventArchive != nil {
		log.Println("Flushing event archive...")
		if err := eventArchive.Close(shutdownCtx); err != nil {
			log.Printf("Error closing event archive: %v", err)
		}
	}

	if err := markers.Close(); err != nil {
		log.Printf("Error closing marker keyspace: %v", err)
	}

	log.Println("Closing storage...")
	if err := store.Close(); err != nil {
		log.Printf("Error closing storage: %v", err)
	}

	log.Println("Shutdown complete")
}

// noopFetcher satisfies the fetch boundary when no log store connector
// is configured; ingestion then happens via OTLP or the REST batch
// endpoint only.
type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, serviceID, logSource string) ([]models.LogEvent, error) {
	return nil, nil
}

func slogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default fallback.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvInt gets an integer environment variable with a default fallback.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
