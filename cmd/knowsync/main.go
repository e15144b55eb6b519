package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/knowsync/internal/engine"
	"github.com/agentworkforce/knowsync/internal/knowledge"
	"github.com/agentworkforce/knowsync/internal/mutation"
	"github.com/agentworkforce/knowsync/internal/progress"
)

func main() {
	cfg, err := engine.LoadConfig(os.Getenv("KNOWSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnvOverrides(&cfg)

	registryBackend, err := progress.BuildStateBackendFromDSN(cfg.RegistryDSN)
	if err != nil {
		log.Fatalf("failed to initialize registry backend: %v", err)
	}
	registry := progress.NewRegistry(registryBackend)

	client := knowledge.NewClient(cfg.ServerURL, cfg.Token, nil)
	eng, err := engine.New(engine.Options{
		Client:   client,
		Registry: registry,
		Logger:   log.Default(),
		Notifications: engine.Notifications{
			OnComplete: func(op knowledge.Operation) {
				log.Printf("operation %s finished: %s", op.OperationID, op.Status)
			},
			OnError: func(op knowledge.Operation, err error) {
				log.Printf("operation %s failed: %v", op.OperationID, err)
			},
		},
		Poller: progress.PollerOptions{
			PollInterval:  cfg.PollInterval(),
			ListInterval:  cfg.ListInterval(),
			NotFoundLimit: cfg.Poll.NotFoundLimit,
		},
		Mutations: mutation.Options{
			UploadSettle: durationEnv("KNOWSYNC_UPLOAD_SETTLE", 0),
			CrawlSettle:  durationEnv("KNOWSYNC_CRAWL_SETTLE", 0),
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Prime(ctx, envList("KNOWSYNC_SUMMARY_FILTERS")...); err != nil {
		log.Printf("initial cache load failed, continuing with empty views: %v", err)
	}
	eng.Resume()
	eng.StartActiveList()

	if cfg.Stream {
		stream := progress.NewStream(cfg.ServerURL, cfg.Token, log.Default())
		go func() {
			if err := stream.Run(ctx, eng.Deliver); err != nil && ctx.Err() == nil {
				log.Printf("progress stream stopped: %v", err)
			}
		}()
	}

	if cfg.Ingest != nil {
		ingest, err := engine.NewIngest(eng, *cfg.Ingest, log.Default())
		if err != nil {
			log.Fatalf("failed to initialize folder ingest: %v", err)
		}
		go func() {
			if err := ingest.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("folder ingest stopped: %v", err)
			}
		}()
		log.Printf("watching %s for documents to upload", cfg.Ingest.Dir)
	}

	log.Printf("knowsync connected to %s", cfg.ServerURL)
	<-ctx.Done()
	log.Printf("shutting down")
}

func applyEnvOverrides(cfg *engine.Config) {
	if v := strings.TrimSpace(os.Getenv("KNOWSYNC_SERVER_URL")); v != "" {
		cfg.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("KNOWSYNC_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("KNOWSYNC_REGISTRY_DSN")); v != "" {
		cfg.RegistryDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("KNOWSYNC_INGEST_DIR")); v != "" {
		if cfg.Ingest == nil {
			cfg.Ingest = &engine.IngestConfig{}
		}
		cfg.Ingest.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("KNOWSYNC_STREAM")); v != "" {
		cfg.Stream = boolValue(v, cfg.Stream)
	}
	if v := intEnv("KNOWSYNC_POLL_INTERVAL_MS", 0); v > 0 {
		cfg.Poll.IntervalMS = v
	}
	if v := intEnv("KNOWSYNC_LIST_INTERVAL_MS", 0); v > 0 {
		cfg.Poll.ListIntervalMS = v
	}
}

func envList(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolValue(raw string, fallback bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("invalid boolean %q, using fallback %v", raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
