package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fibernet/backend/internal/config"
	"github.com/fibernet/backend/internal/dataclient"
	"github.com/fibernet/backend/internal/events"
	"github.com/fibernet/backend/internal/indexer"
	"github.com/fibernet/backend/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	redisClient := openRedis(cfg.Endpoints.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	svc := indexer.NewService(store, events.NewBus(), redisClient, metrics.Default())
	dc := dataclient.New(dataclient.Config{
		DataURLs: cfg.Endpoints.DataURLs,
		ML0URL:   cfg.Endpoints.ML0URL,
		GL0URL:   cfg.Endpoints.GL0URL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Webhooks are the primary feed; re-subscribing is idempotent across
	// restarts. Polling backfills anything missed while down.
	if cfg.Indexer.CallbackURL != "" {
		if id, err := dc.SubscribeWebhook(ctx, cfg.Indexer.CallbackURL, cfg.Indexer.WebhookSecret); err != nil {
			log.Printf("⚠️ Webhook subscription failed, relying on polling: %v", err)
		} else {
			log.Printf("🔔 Webhook subscription active: %s", id)
		}
	}
	poller := indexer.NewPoller(dc, store, time.Duration(cfg.Indexer.PollIntervalMS)*time.Millisecond)
	go poller.Run(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "fibernet-indexer"})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	indexer.NewAPI(svc, cfg.Indexer.WebhookSecret).Register(router)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Indexer starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// openStore prefers Postgres when a DSN is configured; the memory store
// serves local development and tests.
func openStore(cfg *config.Config) (indexer.Store, error) {
	if cfg.Endpoints.DatabaseURL == "" || cfg.Indexer.UseMemoryStore {
		log.Println("📦 Using in-memory store (no DATABASE_URL configured)")
		return indexer.NewMemoryStore(), nil
	}
	store, err := indexer.NewPostgresStore(cfg.Endpoints.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openRedis returns nil when the URL is absent or malformed; the service
// degrades to the in-process bus only.
func openRedis(url string) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("⚠️ Bad REDIS_URL, cross-process publish disabled: %v", err)
		return nil
	}
	return redis.NewClient(opts)
}
