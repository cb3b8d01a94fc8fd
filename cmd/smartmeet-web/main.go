// Command smartmeet-web runs the meeting workspace: transcript ingestion,
// entity resolution and state tracking behind a REST and WebSocket API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/config"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/engine"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/extract"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/notify"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/resolver"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/server"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage/postgres"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (overrides SMARTMEET_CONFIG)")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("SMARTMEET_CONFIG", *configPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize storage and the optional semantic index for the engine.
	store, indexer, search, err := buildStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Mention extraction via the configured LLM provider.
	extractor, err := extract.NewExtractor(providerConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize extractor: %v", err)
	}

	res, err := resolver.NewResolver(resolver.NewDefaultScorer(), resolver.Config{
		Threshold: cfg.Resolver.Threshold,
		CacheSize: cfg.Resolver.CacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize resolver: %v", err)
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Workers = cfg.Ingest.Workers
	engineCfg.QueueSize = cfg.Ingest.QueueSize
	engineCfg.MaxRetries = cfg.Ingest.MaxRetries
	ingestEngine, err := engine.NewIngestionEngine(store, extractor, res, engineCfg)
	if err != nil {
		log.Fatalf("Failed to initialize ingestion engine: %v", err)
	}
	if indexer != nil {
		ingestEngine.SetIndexer(indexer)
	}

	queryEngine, err := engine.NewQueryEngine(store, search)
	if err != nil {
		log.Fatalf("Failed to initialize query engine: %v", err)
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestEngine.Start(ctx); err != nil {
		log.Fatalf("Failed to start ingestion engine: %v", err)
	}

	// Optional transcript drop directory.
	var watcher *notify.TranscriptWatcher
	if cfg.Ingest.WatchDir != "" {
		watcher = notify.NewTranscriptWatcher(cfg.Ingest.WatchDir, func(meetingID, transcript string, meetingTime time.Time) {
			if !ingestEngine.QueueMeeting(meetingID, transcript, meetingTime) {
				log.Printf("dropped transcript %s: ingestion queue unavailable", meetingID)
			}
		})
		if err := watcher.Start(); err != nil {
			log.Fatalf("Failed to watch %s: %v", cfg.Ingest.WatchDir, err)
		}
	}

	addr, _ := server.Start(ctx, cfg, store, ingestEngine, queryEngine, res)
	log.Printf("smart-meet workspace running at http://%s", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	if watcher != nil {
		watcher.Stop()
	}
	if err := ingestEngine.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down ingestion engine: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}

// buildStorage opens the configured store and, when an embedding provider
// is reachable, the semantic index on the same database.
func buildStorage(cfg *config.Config) (storage.Store, storage.EntityIndexer, storage.SearchProvider, error) {
	embedder, err := extract.NewEmbeddingGenerator(providerConfig(cfg))
	if err != nil {
		log.Printf("Semantic search disabled: %v", err)
		embedder = nil
	}

	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.NewStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if embedder == nil {
			return store, nil, nil, nil
		}
		provider, err := postgres.NewSearchProvider(store.DB(), embedder)
		if err != nil {
			log.Printf("Semantic search disabled: %v", err)
			return store, nil, nil, nil
		}
		return store, provider, provider, nil

	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, nil, nil, err
		}
		store, err := sqlite.NewStore(cfg.Storage.DataPath + "/smartmeet.db")
		if err != nil {
			return nil, nil, nil, err
		}
		if embedder == nil {
			return store, nil, nil, nil
		}
		provider, err := sqlite.NewSearchProvider(store.DB(), embedder)
		if err != nil {
			log.Printf("Semantic search disabled: %v", err)
			return store, nil, nil, nil
		}
		return store, provider, provider, nil
	}
}

func providerConfig(cfg *config.Config) extract.ProviderConfig {
	return extract.ProviderConfig{
		Provider:       cfg.LLM.Provider,
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
	}
}
