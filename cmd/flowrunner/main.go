// Command flowrunner is flowcore's composition root: it wires the Flow
// Execution Engine, the Node Execution Sandbox, the Node Type Catalog,
// the Trigger Concurrency Manager, and a storage backend (Postgres via
// bun, or an in-memory fallback for local runs) into one process exposing
// a webhook ingress.
//
// Grounded on the teacher's cmd/server/main.go: flag parsing, config
// load, logger setup, graceful shutdown on SIGINT/SIGTERM — the body is
// rewired end to end onto flowcore's own Engine/Sandbox/Catalog/Trigger
// stack in place of the teacher's mbflow.Executor/rest.Server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smilemakc/flowcore/internal/config"
	"github.com/smilemakc/flowcore/internal/engine"
	"github.com/smilemakc/flowcore/internal/eventbus"
	"github.com/smilemakc/flowcore/internal/history"
	historymem "github.com/smilemakc/flowcore/internal/history/memory"
	historypg "github.com/smilemakc/flowcore/internal/history/postgres"
	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/internal/telemetry"
	"github.com/smilemakc/flowcore/internal/trigger"
	"github.com/smilemakc/flowcore/internal/variables"
	"github.com/smilemakc/flowcore/internal/vault"
	"github.com/smilemakc/flowcore/pkg/catalog"
	"github.com/smilemakc/flowcore/pkg/catalog/builtin"
	"github.com/smilemakc/flowcore/pkg/workflow"
)

func main() {
	var (
		port         = flag.String("port", "", "Server port (overrides config)")
		workflowFile = flag.String("workflow", "", "Path to a YAML workflow definition to load at startup")
		memoryOnly   = flag.Bool("memory-only", false, "Use the in-memory history sink instead of Postgres")
	)
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	logger.Info().Str("port", cfg.Port).Msg("starting flowcore runner")

	var sink history.Sink
	if *memoryOnly {
		sink = historymem.New()
		logger.Info().Msg("using in-memory history sink")
	} else {
		pg := historypg.New(cfg.DatabaseDSN)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.InitSchema(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("failed to initialize history schema")
		}
		cancel()
		sink = pg
		logger.Info().Msg("using postgres history sink")
	}

	bus := eventbus.New(eventbus.Config{
		ReplayWindow:    cfg.EventReplayWindow,
		MaxReplayEvents: cfg.EventReplayMax,
		SubscriberBuf:   32,
	})

	sb := sandbox.NewDefaultSandbox(sandbox.Config{
		WallClockTimeout:     cfg.SandboxHTTPTimeout,
		MemoryCapBytes:       cfg.SandboxMemoryMB << 20,
		OutputCapBytes:       cfg.SandboxOutputMB << 20,
		MaxConcurrentReqs:    cfg.SandboxMaxConcurrentReq,
		HTTPTimeout:          cfg.SandboxHTTPTimeout,
		AllowPrivateNetworks: cfg.AllowPrivateNetworks,
	}, &logger)

	varStore := variables.NewMemoryStore()
	credVault := vault.NewMemory()

	eng := engine.New(sb, varStore, credVault, bus, sink, engine.Config{
		MaxParallelNodes: cfg.ConcurrencyGlobal,
		DefaultTimeout:   cfg.DefaultTimeout,
		DefaultRetry: engine.RetryPolicy{
			MaxAttempts: cfg.Retries,
			BaseDelay:   cfg.RetryBaseDelay,
			CapDelay:    cfg.RetryCapDelay,
		},
	})

	registry := catalog.NewRegistry()
	builtin.RegisterAll(registry)
	lookup := catalog.EngineLookup{Catalog: registry}

	mgr := trigger.New(eng, trigger.Config{
		GlobalLimit:      cfg.ConcurrencyGlobal,
		PerWorkflowLimit: cfg.ConcurrencyPerWorkflow,
		PerUserLimit:     cfg.ConcurrencyPerUser,
		MaxQueueLength:   cfg.QueueMaxLength,
		QueueTimeout:     cfg.QueueTimeout,
		Strategy:         trigger.StrategyQueue,
	})
	defer mgr.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.List())
	})

	if *workflowFile != "" {
		def, err := workflow.LoadYAMLFile(*workflowFile)
		if err != nil {
			logger.Fatal().Err(err).Str("file", *workflowFile).Msg("failed to load workflow definition")
		}
		snap, err := workflow.Compile(def)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to compile workflow definition")
		}
		startNodeID := snap.Nodes[0].ID

		for _, t := range def.Triggers {
			if t.Type != "http" {
				continue
			}
			path, _ := t.Config["path"].(string)
			if path == "" {
				path = "/trigger/" + def.Name
			}
			route := trigger.NewHTTP(trigger.HTTPConfig{Path: path, Method: http.MethodPost}).
				Route(mgr, snap, startNodeID, lookup)
			mux.HandleFunc(path, route)
			logger.Info().Str("path", path).Str("workflow", def.Name).Msg("registered webhook trigger")
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("address", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("exited gracefully")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
