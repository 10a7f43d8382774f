package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/Netcracker/qubership-mistral/internal/platform/resilience"
)

func newTestClient() *NatsExecutorClient {
	meter := otel.GetMeterProvider().Meter("test")
	dispatched, _ := meter.Int64Counter("test_dispatched")
	heartbeats, _ := meter.Int64Counter("test_heartbeats")
	return &NatsExecutorClient{
		lastBeat:   make(map[string]time.Time),
		breaker:    resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2, "test"),
		tracer:     otel.Tracer("test"),
		dispatched: dispatched,
		heartbeats: heartbeats,
	}
}

func TestActionRequestRoundTripsThroughJSON(t *testing.T) {
	req := ActionRequest{
		ActionExecutionID: "ae1",
		TaskExecutionID:    "te1",
		ActionName:         "std.echo",
		Input:              map[string]any{"msg": "hi"},
		IsSync:             true,
		Timeout:            5 * time.Second,
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ActionRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ActionExecutionID != req.ActionExecutionID || got.ActionName != req.ActionName {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if got.Input["msg"] != "hi" {
		t.Fatalf("expected input to survive the round trip, got %+v", got.Input)
	}
}

func TestActionResultRoundTripsThroughJSON(t *testing.T) {
	result := ActionResult{
		ActionExecutionID: "ae1",
		Code:              ActionResultTimedOut,
		Success:           false,
		Output:            map[string]any{"partial": true},
		Error:             "deadline exceeded",
	}
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ActionResult
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Code != ActionResultTimedOut || got.Error != "deadline exceeded" {
		t.Fatalf("got %+v", got)
	}
}

func TestHeartbeatSweepReportsOnlyStaleEntriesOnce(t *testing.T) {
	c := newTestClient()
	now := time.Now()
	c.lastBeat["fresh"] = now
	c.lastBeat["stale"] = now.Add(-time.Minute)

	stale := c.HeartbeatSweep(now, 30*time.Second)
	if len(stale) != 1 || stale[0] != "stale" {
		t.Fatalf("expected only the stale entry to be reported, got %v", stale)
	}

	again := c.HeartbeatSweep(now, 30*time.Second)
	if len(again) != 0 {
		t.Fatalf("expected a reported staleness not to be reported twice, got %v", again)
	}
	if _, stillFresh := c.lastBeat["fresh"]; !stillFresh {
		t.Fatalf("expected the fresh entry to remain tracked")
	}
}

func TestHandleCompleteDispatchesToRegisteredHandler(t *testing.T) {
	c := newTestClient()
	c.lastBeat["ae1"] = time.Now()

	var got ActionResult
	c.OnComplete(func(ctx context.Context, result ActionResult) error {
		got = result
		return nil
	})

	data, _ := json.Marshal(ActionResult{ActionExecutionID: "ae1", Success: true})
	c.handleComplete(context.Background(), &nats.Msg{Data: data})

	if got.ActionExecutionID != "ae1" || !got.Success {
		t.Fatalf("expected the completion handler to receive the decoded result, got %+v", got)
	}
	if _, ok := c.lastBeat["ae1"]; ok {
		t.Fatalf("expected completion to clear the heartbeat entry for ae1")
	}
}

func TestHandleCompleteDropsMessageWithoutRegisteredHandler(t *testing.T) {
	c := newTestClient()
	data, _ := json.Marshal(ActionResult{ActionExecutionID: "ae1"})
	c.handleComplete(context.Background(), &nats.Msg{Data: data})
}

func TestHandleUpdateTracksHeartbeatAndInvokesHandler(t *testing.T) {
	c := newTestClient()
	var gotID string
	var gotPartial map[string]any
	c.OnUpdate(func(ctx context.Context, actionExecutionID string, heartbeatAt time.Time, partialOutput map[string]any) error {
		gotID = actionExecutionID
		gotPartial = partialOutput
		return nil
	})

	payload := map[string]any{
		"action_execution_id": "ae2",
		"partial_output":      map[string]any{"progress": 0.5},
	}
	data, _ := json.Marshal(payload)
	c.handleUpdate(context.Background(), &nats.Msg{Data: data})

	if gotID != "ae2" {
		t.Fatalf("expected update handler to fire for ae2, got %q", gotID)
	}
	if gotPartial["progress"] != 0.5 {
		t.Fatalf("expected partial output to be decoded, got %+v", gotPartial)
	}
	if _, tracked := c.lastBeat["ae2"]; !tracked {
		t.Fatalf("expected the update to record a heartbeat for ae2")
	}
}
