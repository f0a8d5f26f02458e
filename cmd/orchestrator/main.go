package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fibernet/backend/internal/bridge"
	"github.com/fibernet/backend/internal/config"
	"github.com/fibernet/backend/internal/dataclient"
	"github.com/fibernet/backend/internal/keyring"
	"github.com/fibernet/backend/internal/metrics"
	"github.com/fibernet/backend/internal/orchestrator"
	"github.com/fibernet/backend/internal/population"
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

	pool, err := keyring.OpenWalletPool(cfg.Population.WalletPoolPath)
	if err != nil {
		log.Fatalf("Failed to open wallet pool %s: %v", cfg.Population.WalletPoolPath, err)
	}
	defer pool.Close()
	log.Printf("💼 Wallet pool loaded: %d wallets", pool.Size())

	mgr := population.NewManager(
		population.New(), pool, engine,
		cfg.Population.TargetPopulation,
		cfg.Population.BirthRate,
		cfg.Population.DeathRate,
	)

	layers := append([]string{}, cfg.Endpoints.DataURLs...)
	layers = append(layers, cfg.Endpoints.ML0URL)
	gate := orchestrator.NewHealthGate(dc, layers)

	orch := orchestrator.New(cfg.Orchestrator, engine, dc, mgr, gate, metrics.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveOps(ctx, cfg.Server.Port, orch)

	log.Printf("🚀 Orchestrator starting (mode=%s, target population=%d)",
		cfg.Orchestrator.Mode, cfg.Population.TargetPopulation)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Orchestrator stopped with error: %v", err)
	}
	log.Println("Orchestrator stopped")
}

// serveOps exposes health and metrics next to the tick loop.
func serveOps(ctx context.Context, port string, orch *orchestrator.Orchestrator) {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "healthy",
			"service":      "fibernet-orchestrator",
			"generation":   orch.Generation(),
			"temperature":  orch.Temperature(),
			"marketHealth": orch.MarketHealth(),
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("⚠️ Ops server failed: %v", err)
	}
}
