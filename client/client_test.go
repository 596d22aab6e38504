package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/api"
	"github.com/loomworks/loom/client"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/workflow"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupClientTest builds an engine on a memory store, serves the API on
// an httptest server, and returns a client pointed at it.
func setupClientTest(t *testing.T) (*client.Client, *engine.Engine, func()) {
	t.Helper()

	h, err := loom.New(
		loom.WithStore(memory.New()),
		loom.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	eng, err := engine.Build(h)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	ts := httptest.NewServer(api.New(eng, nil).Handler())
	c := client.New(ts.URL, client.WithLogger(testLogger()))

	return c, eng, ts.Close
}

func registerNoopWorkflow(eng *engine.Engine, workflowType string) {
	engine.RegisterWorkflow(eng, workflow.NewDefinition(workflowType,
		func(c *workflow.Context, _ struct{}) error {
			return c.Do("noop", func(_ context.Context) error { return nil })
		},
	))
}

// ── Workflow Tests ─────────────────────────────────────

func TestClient_SubmitInstance(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "order-fulfillment")

	inst, err := c.SubmitInstance(context.Background(), "order-fulfillment", map[string]string{
		"order_id": "ORD-001",
	})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}
	if inst.ID.IsNil() {
		t.Error("expected non-nil instance ID")
	}
	if inst.Type != "order-fulfillment" {
		t.Errorf("type = %q, want %q", inst.Type, "order-fulfillment")
	}
	if inst.Status != workflow.StatusCreated {
		t.Errorf("status = %q, want %q", inst.Status, workflow.StatusCreated)
	}
}

func TestClient_SubmitInstance_WithInstanceID(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "idempotent-wf")

	instID := id.NewInstanceID().String()
	inst, err := c.SubmitInstance(context.Background(), "idempotent-wf", struct{}{},
		client.WithInstanceID(instID),
	)
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}
	if inst.ID.String() != instID {
		t.Errorf("instance ID = %q, want %q", inst.ID.String(), instID)
	}

	// Resubmitting the same ID must fail.
	if _, err := c.SubmitInstance(context.Background(), "idempotent-wf", struct{}{},
		client.WithInstanceID(instID),
	); err == nil {
		t.Fatal("expected error for duplicate instance ID")
	}
}

func TestClient_SubmitInstance_Unknown(t *testing.T) {
	c, _, cleanup := setupClientTest(t)
	defer cleanup()

	_, err := c.SubmitInstance(context.Background(), "no-such-workflow", struct{}{})
	if err == nil {
		t.Fatal("expected error for unknown workflow type")
	}
}

func TestClient_GetInstance(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "get-wf")

	submitted, err := c.SubmitInstance(context.Background(), "get-wf", struct{}{})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}

	inst, err := c.GetInstance(context.Background(), submitted.ID.String())
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.ID != submitted.ID {
		t.Errorf("instance ID = %q, want %q", inst.ID.String(), submitted.ID.String())
	}
}

func TestClient_GetInstance_NotFound(t *testing.T) {
	c, _, cleanup := setupClientTest(t)
	defer cleanup()

	_, err := c.GetInstance(context.Background(), id.NewInstanceID().String())
	if err == nil {
		t.Fatal("expected error for nonexistent instance")
	}
	if !client.IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestClient_ListInstances(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "list-a")
	registerNoopWorkflow(eng, "list-b")

	ctx := context.Background()
	for range 3 {
		if _, err := c.SubmitInstance(ctx, "list-a", struct{}{}); err != nil {
			t.Fatalf("SubmitInstance: %v", err)
		}
	}
	if _, err := c.SubmitInstance(ctx, "list-b", struct{}{}); err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}

	all, err := c.ListInstances(ctx, client.ListInstancesOptions{})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}

	onlyA, err := c.ListInstances(ctx, client.ListInstancesOptions{Type: "list-a"})
	if err != nil {
		t.Fatalf("ListInstances(type): %v", err)
	}
	if len(onlyA) != 3 {
		t.Errorf("len(onlyA) = %d, want 3", len(onlyA))
	}

	limited, err := c.ListInstances(ctx, client.ListInstancesOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListInstances(limit): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestClient_GetSteps(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "steps-wf")

	ctx := context.Background()
	inst, err := c.SubmitInstance(ctx, "steps-wf", struct{}{})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}
	if err := eng.Tick(ctx, inst.ID); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	steps, err := c.GetSteps(ctx, inst.ID.String())
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
	if steps[0].Name != "noop" {
		t.Errorf("step name = %q, want %q", steps[0].Name, "noop")
	}
	if steps[0].Status != workflow.StepSucceeded {
		t.Errorf("step status = %q, want %q", steps[0].Status, workflow.StepSucceeded)
	}
}

func TestClient_GetTimeline(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "timeline-wf")

	ctx := context.Background()
	inst, err := c.SubmitInstance(ctx, "timeline-wf", struct{}{})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}
	if err := eng.Tick(ctx, inst.ID); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	entries, err := c.GetTimeline(ctx, inst.ID.String(), 0, 0)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("len(entries) = %d, want at least 2", len(entries))
	}
	if entries[0].Kind != workflow.TimelineSubmitted {
		t.Errorf("first entry kind = %q, want %q", entries[0].Kind, workflow.TimelineSubmitted)
	}

	// Cursor pagination: from_seq skips what came before.
	rest, err := c.GetTimeline(ctx, inst.ID.String(), entries[0].Sequence, 0)
	if err != nil {
		t.Fatalf("GetTimeline(from_seq): %v", err)
	}
	if len(rest) != len(entries)-1 {
		t.Errorf("len(rest) = %d, want %d", len(rest), len(entries)-1)
	}
}

// ── Event Tests ───────────────────────────────────────

func TestClient_DeliverAndListEvents(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "event-wf")

	ctx := context.Background()
	inst, err := c.SubmitInstance(ctx, "event-wf", struct{}{})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}

	evt, err := c.DeliverEvent(ctx, inst.ID.String(), "payment.confirmed", map[string]string{
		"txn": "TXN-7",
	})
	if err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}
	if evt.Name != "payment.confirmed" {
		t.Errorf("event name = %q, want %q", evt.Name, "payment.confirmed")
	}

	events, err := c.ListEvents(ctx, inst.ID.String())
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].ID != evt.ID {
		t.Errorf("event ID = %q, want %q", events[0].ID.String(), evt.ID.String())
	}
}

// ── Control Tests ─────────────────────────────────────

func TestClient_PauseResume(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "pause-wf")

	ctx := context.Background()
	inst, err := c.SubmitInstance(ctx, "pause-wf", struct{}{})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}

	paused, err := c.Pause(ctx, inst.ID.String())
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !paused.Paused {
		t.Error("expected paused flag set")
	}
	if paused.DisplayStatus() != workflow.StatusPaused {
		t.Errorf("display status = %q, want %q", paused.DisplayStatus(), workflow.StatusPaused)
	}

	resumed, err := c.Resume(ctx, inst.ID.String())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Paused {
		t.Error("expected paused flag cleared")
	}
}

func TestClient_Terminate(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "kill-wf")

	ctx := context.Background()
	inst, err := c.SubmitInstance(ctx, "kill-wf", struct{}{})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}

	terminated, err := c.Terminate(ctx, inst.ID.String(), "operator request")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if terminated.Status != workflow.StatusTerminated {
		t.Errorf("status = %q, want %q", terminated.Status, workflow.StatusTerminated)
	}

	// Terminating again must fail: the instance is terminal.
	if _, err := c.Terminate(ctx, inst.ID.String(), "again"); err == nil {
		t.Fatal("expected error terminating a terminal instance")
	}
}

// ── Discovery Tests ───────────────────────────────────

func TestClient_WorkflowTypes(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "alpha")
	registerNoopWorkflow(eng, "beta")

	types, err := c.WorkflowTypes(context.Background())
	if err != nil {
		t.Fatalf("WorkflowTypes: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("len(types) = %d, want 2", len(types))
	}
}

func TestClient_Stats(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	registerNoopWorkflow(eng, "stats-wf")
	if _, err := c.SubmitInstance(context.Background(), "stats-wf", struct{}{}); err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}

	raw, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	var stats map[string]interface{}
	if jsonErr := json.Unmarshal(raw, &stats); jsonErr != nil {
		t.Fatalf("stats unmarshal: %v", jsonErr)
	}
	if _, ok := stats["instances"]; !ok {
		t.Error("expected instances section in stats")
	}
}

// ── Full E2E Test ─────────────────────────────────────

func TestClient_E2E(t *testing.T) {
	c, eng, cleanup := setupClientTest(t)
	defer cleanup()

	engine.RegisterWorkflow(eng, workflow.NewDefinition("e2e-wf",
		func(wc *workflow.Context, input struct {
			Name string `json:"name"`
		}) error {
			greeting, err := workflow.Do(wc, "greet", func(_ context.Context) (string, error) {
				return "hello " + input.Name, nil
			})
			if err != nil {
				return err
			}
			return wc.SetResult(map[string]string{"greeting": greeting})
		},
	))

	ctx := context.Background()
	inst, err := c.SubmitInstance(ctx, "e2e-wf", map[string]string{"name": "world"})
	if err != nil {
		t.Fatalf("SubmitInstance: %v", err)
	}
	if err := eng.Tick(ctx, inst.ID); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	done, err := c.GetInstance(ctx, inst.ID.String())
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if done.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q, want %q", done.Status, workflow.StatusCompleted)
	}

	var result map[string]string
	if jsonErr := json.Unmarshal(done.Result, &result); jsonErr != nil {
		t.Fatalf("unmarshal result: %v", jsonErr)
	}
	if result["greeting"] != "hello world" {
		t.Errorf("greeting = %q, want %q", result["greeting"], "hello world")
	}
}
