package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmesh/stepmesh/internal/definition"
	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/modules"
	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

type fixture struct {
	broker   *queue.MemoryBroker
	store    *store.MemoryStore
	host     *host.Host
	registry *modules.Registry
	runner   *Runner
	defs     *definition.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	broker := queue.NewMemoryBroker()
	st := store.NewMemoryStore()
	h := host.New(st, logger, 2)
	registry := modules.NewRegistry()
	generator := modules.NewGenerator(st, registry, broker, logger)
	client := modules.NewClient(broker, "stepmesh-test", logger)
	h.AddBodyResolver(modules.NewBodySource(registry, client))
	defs := definition.NewService(st, h, registry, broker, logger)

	r := New(broker, st, h, registry, generator, defs, logger)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		r.Stop()
		h.Shutdown()
		broker.Close()
	})
	return &fixture{broker: broker, store: st, host: h, registry: registry, runner: r, defs: defs}
}

func registration() *schema.ModuleRegistration {
	return &schema.ModuleRegistration{
		Name:    "payments",
		Version: "1.0.0",
		Queues: schema.ModuleQueues{
			Request:  "payments.request",
			Response: "payments.response",
			Event:    "payments.event",
		},
		Components: []schema.ModuleComponent{{
			Name:         "charge",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"amount":{"type":"integer"}}}`),
			OutputSchema: json.RawMessage(`{"type":"object","properties":{"Receipt":{"type":"object"}}}`),
		}},
		Events: []schema.ModuleEvent{{
			Name:         "payment.settled",
			OutputSchema: json.RawMessage(`{"type":"object","properties":{"orderId":{"type":"string"},"status":{"type":"string"}}}`),
		}},
	}
}

func (f *fixture) registerModule(t *testing.T) {
	t.Helper()
	raw, err := json.Marshal(registration())
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(context.Background(), schema.QueueModuleRegistration, raw))

	require.Eventually(t, func() bool {
		_, ok := f.registry.Descriptor("payments.charge")
		return ok
	}, 3*time.Second, 20*time.Millisecond, "registration never processed")
}

func TestRegistrationPipeline(t *testing.T) {
	f := newFixture(t)
	f.registerModule(t)

	m, ok := f.registry.Module("payments", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, "payments_module_1.0.0", m.ArtifactName)

	// Persisted as well as loaded.
	stored, err := f.store.GetModule(context.Background(), "payments", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, m.Hash, stored.Hash)
}

func TestComponentRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerModule(t)

	// A stub module: answers every charge request on the response queue.
	go func() {
		for {
			msg, err := f.broker.Dequeue(ctx, "payments.request", 100*time.Millisecond)
			if err != nil || msg == nil {
				if err != nil {
					return
				}
				continue
			}
			var env schema.Envelope
			if json.Unmarshal(msg.Body, &env) != nil {
				continue
			}
			reply := schema.Envelope{
				Command: env.Command,
				JobID:   env.JobID,
				Payload: json.RawMessage(`{"receiptId":"r-77"}`),
				When:    time.Now().UTC(),
			}
			raw, _ := json.Marshal(reply)
			f.broker.Enqueue(ctx, "payments.response", raw)
			f.broker.Ack(ctx, "payments.request", msg.ID)
		}
	}()

	f.host.RegisterDefinition(&schema.WorkflowDefinition{
		ID: "checkout", Version: 1, Status: schema.WorkflowStatusRunning,
		Steps: []schema.StepDefinition{{
			ID: "pay", StepType: "payments.charge",
			Inputs: map[string]string{"amount": "100"},
		}},
	})

	id, err := f.host.StartWorkflow(ctx, "checkout", 1, host.StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := f.host.GetInstance(ctx, id)
		return err == nil && inst.Status == schema.InstanceStatusComplete
	}, 5*time.Second, 20*time.Millisecond, "response never resumed the instance")

	inst, err := f.host.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"receiptId": "r-77"}, inst.State["$$pay_Receipt_Out"])
}

func TestModuleEventTriggersRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerModule(t)

	f.host.RegisterDefinition(&schema.WorkflowDefinition{
		ID: "on-settle", Version: 1, Status: schema.WorkflowStatusRunning,
		Steps: []schema.StepDefinition{{
			ID: "settled", StepType: "payment.settled",
		}},
	})

	env := schema.Envelope{
		Command: "payment.settled",
		TraceID: "trace-evt",
		Payload: json.RawMessage(`{"orderId":"o-5"}`),
		When:    time.Now().UTC(),
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, "payments.event", raw))

	require.Eventually(t, func() bool {
		runs, err := f.store.ListInstances(ctx, store.InstanceFilter{DefinitionID: "on-settle"})
		if err != nil || len(runs) != 1 {
			return false
		}
		return runs[0].Status == schema.InstanceStatusComplete
	}, 5*time.Second, 20*time.Millisecond, "event never started a run")

	runs, err := f.store.ListInstances(ctx, store.InstanceFilter{DefinitionID: "on-settle"})
	require.NoError(t, err)
	inst := runs[0]
	assert.Equal(t, "trace-evt", inst.State["TraceId"])
	assert.Equal(t, map[string]any{"orderId": "o-5"}, inst.State["$$settled_Result_Out"])
}

func TestDefinitionAnnouncementRegisters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID: "wf", Version: 1, Name: "wf", Status: schema.WorkflowStatusRunning,
		Steps:   []schema.StepDefinition{{ID: "s1", StepType: "printMessage"}},
		Created: time.Now().UTC(), Updated: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateDefinition(ctx, def))

	raw, err := json.Marshal(definition.CreatedAnnouncement{ID: "wf", Version: 1})
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, schema.TopicDefinitionCreated, raw))

	require.Eventually(t, func() bool {
		return f.host.IsRegistered("wf", 1)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMalformedRegistrationIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.broker.Enqueue(ctx, schema.QueueModuleRegistration, []byte(`{broken`)))

	// The malformed message is settled, so a valid one behind it still
	// lands.
	f.registerModule(t)
}
