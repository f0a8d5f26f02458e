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

	"github.com/fibernet/backend/internal/api"
	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/config"
	"github.com/fibernet/backend/internal/dataclient"
	"github.com/fibernet/backend/internal/metrics"
	"github.com/fibernet/backend/internal/reconciler"
	"github.com/fibernet/backend/internal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dc := dataclient.New(dataclient.Config{
		DataURLs: cfg.Endpoints.DataURLs,
		ML0URL:   cfg.Endpoints.ML0URL,
		GL0URL:   cfg.Endpoints.GL0URL,
	})
	recon := reconciler.New(dc).WithMetrics(metrics.Default())
	engine := bridge.NewEngine(recon, dc, workflows.NewRegistry())

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"service":  "fibernet-bridge",
			"breakers": dc.BreakerStates(),
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	api.NewServer(engine, dc).Register(router)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Bridge API starting on port %s (data layers: %v)", cfg.Server.Port, cfg.Endpoints.DataURLs)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}
