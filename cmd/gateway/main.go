// Package main runs the RPC gateway daemon: provider health probing,
// call routing with failover, response caching, stream subscriptions,
// and operator endpoints for status and cache invalidation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chain-rpc-gateway/internal/config"
	"chain-rpc-gateway/internal/gateway"
	"chain-rpc-gateway/internal/observability"
	"chain-rpc-gateway/internal/storage"
	chstore "chain-rpc-gateway/internal/storage/clickhouse"
	"chain-rpc-gateway/internal/storage/memory"
	"chain-rpc-gateway/internal/storage/migrations"
	pgstore "chain-rpc-gateway/internal/storage/postgres"
)

// stores holds the persistence backends the gateway runs with.
type stores struct {
	state   storage.ProviderStateStore
	budget  storage.BudgetStore
	callLog storage.CallLogStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "Path to gateway YAML config")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string for state persistence")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string for the call audit log")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[gateway] ", log.LstdFlags|log.Lshortfile)

	if *configPath == "" {
		logger.Fatal("--config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *postgresDSN != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.ClickhouseDSN = *clickhouseDSN
	}
	if len(cfg.Providers) == 0 {
		logger.Fatal("Config declares no providers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg, *useMemory, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	gw, err := gateway.New(gateway.Options{
		Config:     cfg,
		StateStore: st.state,
		BudgetSt:   st.budget,
		CallLog:    st.callLog,
		Logger:     log.New(os.Stdout, "[gateway] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to build gateway: %v", err)
	}

	if err := gw.Start(ctx); err != nil {
		logger.Fatalf("Failed to start gateway: %v", err)
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: newMux(gw, logger),
	}

	go func() {
		logger.Printf("Listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Printf("Received signal %v, initiating graceful shutdown...", sig)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}

	cancel()
	gw.Stop()
	logger.Println("Shutdown complete")
}

// createStores wires the persistence backends: in-memory when asked or
// when no DSN is configured, otherwise PostgreSQL for control-plane
// state and ClickHouse for the call audit log. Migrations run at
// startup and are idempotent.
func createStores(ctx context.Context, cfg config.Root, useMemory bool, logger *log.Logger) (*stores, func(), error) {
	st := &stores{
		state:   memory.NewProviderStateStore(),
		budget:  memory.NewBudgetStore(),
		callLog: memory.NewCallLogStore(),
	}
	cleanup := func() {}

	if useMemory {
		logger.Println("Using in-memory storage")
		return st, cleanup, nil
	}

	var cleanups []func()
	cleanup = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		cleanups = append(cleanups, pool.Close)

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}

		st.state = pgstore.NewProviderStateStore(pool)
		st.budget = pgstore.NewBudgetStore(pool)
		logger.Println("Using PostgreSQL state persistence")
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		cleanups = append(cleanups, func() { conn.Close() })

		st.callLog = chstore.NewCallLogStore(conn)
		logger.Println("Using ClickHouse call audit log")
	}

	return st, cleanup, nil
}

// newMux builds the operator HTTP surface.
func newMux(gw *gateway.Gateway, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// Status endpoint
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(gw.Status()); err != nil {
			logger.Printf("encode status: %v", err)
		}
	})

	// Cache invalidation, used by operators after a chain reorg:
	// POST /invalidate?chain=ethereum&class=block-by-height
	mux.HandleFunc("/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		chain := r.URL.Query().Get("chain")
		class := r.URL.Query().Get("class")
		if chain == "" || class == "" {
			http.Error(w, "chain and class are required", http.StatusBadRequest)
			return
		}
		n := gw.InvalidateClass(chain, class)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"invalidated":%d}`+"\n", n)
	})

	return mux
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
