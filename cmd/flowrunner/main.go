package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/flowrunner/internal/engine"
	"github.com/swarmguard/flowrunner/internal/store"
	"github.com/swarmguard/flowrunner/internal/tasks"
	"github.com/swarmguard/flowrunner/internal/telemetry"
	"github.com/swarmguard/flowrunner/internal/triggers"
	"github.com/swarmguard/flowrunner/internal/workflow"
)

// DaemonConfig is loaded from the environment via getEnvDefault, matching
// plugins.go's configuration style.
type DaemonConfig struct {
	Addr     string
	DataDir  string
	NatsURL  string
	Executor string
	Workers  int
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDaemonConfig() DaemonConfig {
	// Workers 0 lets workerpool.New apply the documented default of
	// max(1, cpu_count-1) unless FLOWRUNNER_WORKERS overrides it.
	workers := 0
	if v := os.Getenv("FLOWRUNNER_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &workers)
	}
	return DaemonConfig{
		Addr:     getEnvDefault("FLOWRUNNER_ADDR", ":8080"),
		DataDir:  getEnvDefault("FLOWRUNNER_DATA_DIR", "./data"),
		NatsURL:  os.Getenv("FLOWRUNNER_NATS_URL"),
		Executor: getEnvDefault("FLOWRUNNER_EXECUTOR", "thread"),
		Workers:  workers,
	}
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-worker":
			workerMain()
			return
		case "run":
			os.Exit(runMain(os.Args[2:]))
		}
	}
	daemonMain()
}

func daemonMain() {
	const service = "flowrunner"
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := loadDaemonConfig()

	tracer, shutdownTrace := telemetry.InitTracer(ctx, service)
	meter, shutdownMeter := telemetry.InitMeter(ctx, service)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "flowrunner.db"), meter)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eng, err := engine.New(engine.Config{
		MaxWorkers: cfg.Workers,
		Executor:   cfg.Executor,
		CacheDir:   filepath.Join(cfg.DataDir, "cache"),
		EmitLogs:   true,
		Tracer:     tracer,
		Meter:      meter,
	}, tasks.New())
	if err != nil {
		slog.Error("init engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	sched, err := triggers.New(st, eng.Run, meter, logger, cfg.NatsURL)
	if err != nil {
		slog.Error("init triggers", "error", err)
		os.Exit(1)
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
			wf, err := workflow.Parse(body, "")
			if err != nil {
				http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
			if wf.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if err := st.PutWorkflow(wf); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(wf)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			if name == "" {
				names, err := st.ListWorkflows()
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				_ = json.NewEncoder(w).Encode(names)
				return
			}
			wf, found, err := st.GetWorkflow(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !found {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(wf)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var scfg triggers.ScheduleConfig
		if err := json.NewDecoder(r.Body).Decode(&scfg); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if scfg.WorkflowName == "" {
			http.Error(w, "workflow_name required", http.StatusBadRequest)
			return
		}
		var regErr error
		switch {
		case scfg.CronExpr != "":
			regErr = sched.AddCron(ctx, scfg)
		case scfg.Subject != "":
			regErr = sched.AddEvent(ctx, scfg)
		default:
			http.Error(w, "one of cron_expr or subject is required", http.StatusBadRequest)
			return
		}
		if regErr != nil {
			http.Error(w, regErr.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(scfg)
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Workflow string `json:"workflow"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		wf, found, err := st.GetWorkflow(req.Workflow)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}

		runID := uuid.NewString()
		outcomes, summary, err := eng.Run(r.Context(), wf)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := st.PutRun(runID, outcomes, summary); err != nil {
			slog.Error("persist run", "run_id", runID, "error", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run_id":   runID,
			"summary":  summary,
			"outcomes": outcomes,
		})
	})

	mux.HandleFunc("/v1/executions/", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Path[len("/v1/executions/"):]
		outcomes, summary, found, err := st.GetRun(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"summary":  summary,
			"outcomes": outcomes,
		})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("flowrunner started", "addr", cfg.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMeter(shutdownCtx)
	slog.Info("shutdown complete")
}
