package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Netcracker/qubership-mistral/internal/platform/resilience"
)

var propagator = propagation.TraceContext{}

const (
	subjectRun       = "mistral.action.run"
	subjectInterrupt = "mistral.action.interrupt"
	subjectComplete  = "mistral.action.complete"
	subjectUpdate    = "mistral.action.update"
)

// NatsExecutorClient adapts the Executor contract onto NATS publish and
// request operations, grounded on the trace-context-propagating publish
// helper the pack's natsctx package provides. It only moves bytes: the
// action body runs in whatever out-of-process Executor subscribes to
// subjectRun.
type NatsExecutorClient struct {
	nc *nats.Conn

	mu         sync.RWMutex
	onComplete CompletionHandler
	onUpdate   UpdateHandler
	lastBeat   map[string]time.Time

	breaker *resilience.CircuitBreaker

	dispatched metric.Int64Counter
	heartbeats metric.Int64Counter
	tracer     trace.Tracer
}

// NewNatsExecutorClient subscribes to the completion and update subjects
// and returns a client ready to Run/Interrupt actions. Completion and
// update handlers must be attached via OnComplete/OnUpdate before any
// message can be processed meaningfully; messages that arrive before a
// handler is set are logged and dropped.
func NewNatsExecutorClient(nc *nats.Conn, meter metric.Meter) (*NatsExecutorClient, error) {
	dispatched, _ := meter.Int64Counter("mistral_dispatch_actions_total")
	heartbeats, _ := meter.Int64Counter("mistral_dispatch_heartbeats_total")

	c := &NatsExecutorClient{
		nc:         nc,
		lastBeat:   make(map[string]time.Time),
		breaker:    resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2, "dispatch.nats"),
		dispatched: dispatched,
		heartbeats: heartbeats,
		tracer:     otel.Tracer("mistral-dispatch"),
	}

	if _, err := subscribeTraced(nc, subjectComplete, func(ctx context.Context, m *nats.Msg) {
		c.handleComplete(ctx, m)
	}); err != nil {
		return nil, fmt.Errorf("dispatch: subscribe complete: %w", err)
	}
	if _, err := subscribeTraced(nc, subjectUpdate, func(ctx context.Context, m *nats.Msg) {
		c.handleUpdate(ctx, m)
	}); err != nil {
		return nil, fmt.Errorf("dispatch: subscribe update: %w", err)
	}

	return c, nil
}

// OnComplete registers the handler invoked when an Executor reports a
// terminal ActionResult.
func (c *NatsExecutorClient) OnComplete(h CompletionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = h
}

// OnUpdate registers the handler invoked on non-terminal progress
// updates, including heartbeat renewal for long-running actions.
func (c *NatsExecutorClient) OnUpdate(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = h
}

// Run publishes an ActionRequest to the run subject.
func (c *NatsExecutorClient) Run(ctx context.Context, req ActionRequest) error {
	ctx, span := c.tracer.Start(ctx, "dispatch.run",
		trace.WithAttributes(
			attribute.String("action_execution_id", req.ActionExecutionID),
			attribute.String("action_name", req.ActionName),
		))
	defer span.End()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch: marshal run request: %w", err)
	}
	if err := c.publishGuarded(ctx, subjectRun, data); err != nil {
		return fmt.Errorf("dispatch: publish run: %w", err)
	}
	c.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("action_name", req.ActionName)))
	return nil
}

// publishGuarded wraps a publish behind the circuit breaker and a bounded
// retry with backoff, since a transient NATS connection blip should not
// fail a task outright (spec.md §9's at-least-once dispatch expectation).
func (c *NatsExecutorClient) publishGuarded(ctx context.Context, subject string, data []byte) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("dispatch: circuit open for %s", subject)
	}
	_, err := resilience.Retry(ctx, 3, 100*time.Millisecond, "dispatch.nats", func() (struct{}, error) {
		return struct{}{}, publishTraced(ctx, c.nc, subject, data)
	})
	c.breaker.RecordResult(err == nil)
	return err
}

// Interrupt publishes an interrupt request for a running action execution.
func (c *NatsExecutorClient) Interrupt(ctx context.Context, actionExecutionID string) error {
	ctx, span := c.tracer.Start(ctx, "dispatch.interrupt",
		trace.WithAttributes(attribute.String("action_execution_id", actionExecutionID)))
	defer span.End()

	data, err := json.Marshal(map[string]string{"action_execution_id": actionExecutionID})
	if err != nil {
		return err
	}
	return c.publishGuarded(ctx, subjectInterrupt, data)
}

// HeartbeatSweep returns action execution ids whose last observed
// heartbeat is older than staleAfter, for the caller to mark timed out.
// Clears entries it returns so a given staleness is only reported once.
func (c *NatsExecutorClient) HeartbeatSweep(now time.Time, staleAfter time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []string
	for id, last := range c.lastBeat {
		if now.Sub(last) > staleAfter {
			stale = append(stale, id)
			delete(c.lastBeat, id)
		}
	}
	return stale
}

func (c *NatsExecutorClient) handleComplete(ctx context.Context, m *nats.Msg) {
	var result ActionResult
	if err := json.Unmarshal(m.Data, &result); err != nil {
		slog.Error("dispatch: malformed completion message", "error", err)
		return
	}
	c.mu.RLock()
	h := c.onComplete
	c.mu.RUnlock()
	if h == nil {
		slog.Warn("dispatch: completion handler not set, dropping message", "action_execution_id", result.ActionExecutionID)
		return
	}
	c.mu.Lock()
	delete(c.lastBeat, result.ActionExecutionID)
	c.mu.Unlock()
	if err := h(ctx, result); err != nil {
		slog.Error("dispatch: completion handler failed", "action_execution_id", result.ActionExecutionID, "error", err)
	}
}

func (c *NatsExecutorClient) handleUpdate(ctx context.Context, m *nats.Msg) {
	var payload struct {
		ActionExecutionID string         `json:"action_execution_id"`
		PartialOutput      map[string]any `json:"partial_output"`
	}
	if err := json.Unmarshal(m.Data, &payload); err != nil {
		slog.Error("dispatch: malformed update message", "error", err)
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.lastBeat[payload.ActionExecutionID] = now
	h := c.onUpdate
	c.mu.Unlock()

	c.heartbeats.Add(ctx, 1)
	if h == nil {
		return
	}
	if err := h(ctx, payload.ActionExecutionID, now, payload.PartialOutput); err != nil {
		slog.Error("dispatch: update handler failed", "action_execution_id", payload.ActionExecutionID, "error", err)
	}
}

func publishTraced(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

func subscribeTraced(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("mistral-dispatch")
		ctx, span := tr.Start(ctx, "dispatch.consume", trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("subject", subject)))
		defer span.End()
		handler(ctx, m)
	})
}
