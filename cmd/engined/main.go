package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/Netcracker/qubership-mistral/internal/config"
	"github.com/Netcracker/qubership-mistral/internal/dispatch"
	"github.com/Netcracker/qubership-mistral/internal/engine"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/platform/logging"
	"github.com/Netcracker/qubership-mistral/internal/platform/otelinit"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

type defineRequest struct {
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}

type startRequest struct {
	DefinitionID string         `json:"definition_id"`
	Input        map[string]any `json:"input"`
	Params       map[string]any `json:"params"`
}

func main() {
	service := "mistral-engine"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.FromEnv()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, err := otelinit.InitMetrics(ctx, service)
	if err != nil {
		slog.Warn("metrics exporter unavailable, continuing without push export", "error", err)
	}
	meter := otel.GetMeterProvider().Meter(service)

	st, err := store.Open(cfg.StorePath, meter)
	if err != nil {
		slog.Error("open store", "error", err)
		return
	}
	defer st.Close()

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		slog.Error("connect nats", "error", err)
		return
	}
	defer nc.Close()

	disp, err := dispatch.NewNatsExecutorClient(nc, meter)
	if err != nil {
		slog.Error("build dispatcher", "error", err)
		return
	}

	eng := engine.New(st, disp, meter, expreval.Passthrough{}, cfg)
	if err := eng.Start(ctx); err != nil {
		slog.Error("start engine", "error", err)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/workflow-definitions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req defineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		spec, err := wfspec.Unmarshal(req.Spec)
		if err != nil {
			http.Error(w, "invalid spec: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name != "" {
			spec.Name = req.Name
		}
		raw, err := wfspec.Marshal(spec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		def := &model.WorkflowDefinition{ID: model.NewID(), Name: spec.Name, Spec: raw}
		err = st.Transaction(r.Context(), false, func(ctx context.Context, tx *store.TxHandle) error {
			return st.PutWorkflowDefinition(ctx, tx, def)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(def)
	})
	mux.HandleFunc("/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		we, err := eng.Workflow.StartWorkflow(r.Context(), req.DefinitionID, req.Input, req.Params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(we)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()
	slog.Info("engine started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	_ = eng.Stop(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
