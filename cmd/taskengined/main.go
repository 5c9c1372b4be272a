// Command taskengined is the task execution engine daemon. It bootstraps
// the Durable Store, Subscription Bus, and Task Registry from a YAML
// config file and serves the HTTP CRUD facade plus the Push-Stream
// Session endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/ratchet/bus"
	"github.com/GoCodeAlone/ratchet/config"
	"github.com/GoCodeAlone/ratchet/facade"
	"github.com/GoCodeAlone/ratchet/internal/version"
	"github.com/GoCodeAlone/ratchet/provider/mock"
	"github.com/GoCodeAlone/ratchet/registry"
	"github.com/GoCodeAlone/ratchet/stage"
	"github.com/GoCodeAlone/ratchet/store"
	"github.com/GoCodeAlone/ratchet/stream"
)

var configPath = flag.String("config", "ratchet.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("no config at %s, using defaults: %v", *configPath, err)
		cfg = config.DefaultConfig()
	}

	logLevel := slog.LevelInfo
	_ = logLevel.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("starting taskengined",
		"version", version.Version,
		"commit", version.Commit,
		"test_mode", cfg.TestMode,
	)

	st, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	b := bus.New()
	maxDuration := time.Duration(cfg.MaxTaskDuration) * time.Second

	newPipeline := stage.NewSimulatedPipeline
	if !cfg.TestMode {
		// No real provider SDK is wired (see DESIGN.md); the mock
		// provider stands in until one is configured, exercising the
		// same llmStage path a production backend would use.
		newPipeline = func() *stage.Pipeline {
			return stage.NewProviderPipeline(mock.New())
		}
	}
	reg := registry.New(st, b, logger, maxDuration, newPipeline)

	mux := chi.NewRouter()
	mux.Mount("/", facade.New(st, reg, logger).Router())
	mux.Get("/stream/{id}", func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "id")
		stream.New(taskID, st, reg, logger).Serve(w, r)
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	fmt.Printf("Task engine running on http://localhost%s\n", cfg.Server.Addr)
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	fmt.Println("Shutdown complete")
}
