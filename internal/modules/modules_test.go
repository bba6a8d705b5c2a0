package modules

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paymentsRegistration() *schema.ModuleRegistration {
	return &schema.ModuleRegistration{
		Name:    "payments",
		Version: "1.0.0",
		Queues: schema.ModuleQueues{
			Request:  "payments.request",
			Response: "payments.response",
			Event:    "payments.event",
		},
		Components: []schema.ModuleComponent{{
			Name:        "charge",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"amount":{"type":"integer"},"currency":{"type":"string"}}}`),
			OutputSchema: json.RawMessage(`{"type":"object","properties":{"Receipt":{"type":"object"}}}`),
		}},
		Events: []schema.ModuleEvent{{
			Name:         "payment.settled",
			OutputSchema: json.RawMessage(`{"type":"object","properties":{"orderId":{"type":"string"},"status":{"type":"string"}}}`),
		}},
	}
}

func newGenerator(t *testing.T) (*Generator, *Registry, *queue.MemoryBroker) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := NewRegistry()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	return NewGenerator(st, registry, broker, discardLogger()), registry, broker
}

func TestRegisterBuildsDescriptors(t *testing.T) {
	gen, registry, broker := newGenerator(t)
	ctx := context.Background()

	require.NoError(t, broker.Declare(ctx, "announce"))
	require.NoError(t, broker.BindTopic(ctx, schema.TopicModuleCreated, "announce"))

	module, err := gen.Register(ctx, paymentsRegistration())
	require.NoError(t, err)
	assert.Equal(t, "payments_module_1.0.0", module.ArtifactName)
	assert.NotEmpty(t, module.Hash)

	comp, ok := registry.Descriptor("payments.charge")
	require.True(t, ok)
	assert.Equal(t, schema.DescriptorKindComponent, comp.Kind)
	assert.Equal(t, "charge", comp.Command)
	assert.Equal(t, "payments.request", comp.RequestQueue)
	assert.Equal(t, "Receipt", comp.OutputProperty)

	event, ok := registry.Descriptor("payment.settled")
	require.True(t, ok)
	assert.Equal(t, schema.DescriptorKindEvent, event.Kind)
	assert.Equal(t, "payments", event.ModuleName)
	assert.Equal(t, "Result", event.OutputProperty)

	// Registration is announced on the module-created topic.
	msg, err := broker.Dequeue(ctx, "announce", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var announced schema.Module
	require.NoError(t, json.Unmarshal(msg.Body, &announced))
	assert.Equal(t, module.ID, announced.ID)
}

func TestRegisterSkipsPropertyLessSchemas(t *testing.T) {
	gen, registry, _ := newGenerator(t)
	ctx := context.Background()

	reg := paymentsRegistration()
	reg.Components = append(reg.Components, schema.ModuleComponent{
		Name:         "noop",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	})
	reg.Events = append(reg.Events, schema.ModuleEvent{
		Name:         "bareEvent",
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	})

	_, err := gen.Register(ctx, reg)
	require.NoError(t, err)

	// Members without declared properties produce no descriptor; the rest
	// of the module registers normally.
	_, ok := registry.Descriptor("payments.noop")
	assert.False(t, ok)
	_, ok = registry.Descriptor("bareEvent")
	assert.False(t, ok)
	_, ok = registry.Descriptor("payments.charge")
	assert.True(t, ok)
	_, ok = registry.Descriptor("payment.settled")
	assert.True(t, ok)
}

func TestRegisterHashIsContentStable(t *testing.T) {
	assert.Equal(t,
		registrationHash(paymentsRegistration()),
		registrationHash(paymentsRegistration()))

	changed := paymentsRegistration()
	changed.Components[0].Name = "refund"
	assert.NotEqual(t,
		registrationHash(paymentsRegistration()),
		registrationHash(changed))
}

func TestRegisterRejectsLiveDuplicate(t *testing.T) {
	gen, _, _ := newGenerator(t)
	ctx := context.Background()

	_, err := gen.Register(ctx, paymentsRegistration())
	require.NoError(t, err)

	// Same content, same artifact name: still rejected while live.
	_, err = gen.Register(ctx, paymentsRegistration())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDuplicateModule, schema.CodeOf(err))
}

func TestDeprecateFreesArtifactName(t *testing.T) {
	gen, registry, _ := newGenerator(t)
	ctx := context.Background()

	_, err := gen.Register(ctx, paymentsRegistration())
	require.NoError(t, err)

	require.NoError(t, gen.Deprecate(ctx, "payments", "1.0.0"))
	_, ok := registry.Descriptor("payments.charge")
	assert.False(t, ok)

	_, err = gen.Register(ctx, paymentsRegistration())
	require.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	gen, _, _ := newGenerator(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*schema.ModuleRegistration)
	}{
		{"missing name", func(r *schema.ModuleRegistration) { r.Name = "" }},
		{"missing version", func(r *schema.ModuleRegistration) { r.Version = "" }},
		{"missing queue", func(r *schema.ModuleRegistration) { r.Queues.Response = "" }},
		{"empty module", func(r *schema.ModuleRegistration) { r.Components = nil; r.Events = nil }},
		{"nameless component", func(r *schema.ModuleRegistration) { r.Components[0].Name = "" }},
		{"broken schema", func(r *schema.ModuleRegistration) {
			r.Components[0].InputSchema = json.RawMessage(`{"type":["not","a","valid","type",42]}`)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := paymentsRegistration()
			tc.mutate(reg)
			_, err := gen.Register(ctx, reg)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeModuleBuild, schema.CodeOf(err))
		})
	}
}

func TestRegistryUnloadKeepsTakenOverStepTypes(t *testing.T) {
	registry := NewRegistry()

	v1 := &schema.Module{Name: "payments", Version: "1"}
	v2 := &schema.Module{Name: "payments", Version: "2"}
	desc := func(q string) []*schema.StepDescriptor {
		return []*schema.StepDescriptor{{
			Kind: schema.DescriptorKindComponent, StepType: "payments.charge",
			ModuleName: "payments", Command: "charge", RequestQueue: q,
		}}
	}

	require.NoError(t, registry.Load(v1, desc("q1")))
	require.NoError(t, registry.Load(v2, desc("q2")))

	// Unloading the older version must not drop the step type the newer
	// version took over.
	assert.True(t, registry.Unload("payments", "1"))
	d, ok := registry.Descriptor("payments.charge")
	require.True(t, ok)
	assert.Equal(t, "q2", d.RequestQueue)

	assert.False(t, registry.Unload("payments", "1"))
}

func TestGeneratorLoadAll(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	gen := NewGenerator(st, NewRegistry(), nil, discardLogger())
	_, err := gen.Register(ctx, paymentsRegistration())
	require.NoError(t, err)

	// A fresh registry hydrates from the store.
	fresh := NewRegistry()
	gen2 := NewGenerator(st, fresh, nil, discardLogger())
	require.NoError(t, gen2.LoadAll(ctx))
	_, ok := fresh.Descriptor("payments.charge")
	assert.True(t, ok)
}

func TestClientCallEnvelope(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()

	client := NewClient(broker, "orchestrator", discardLogger())
	desc := &schema.StepDescriptor{
		Kind: schema.DescriptorKindComponent, StepType: "payments.charge",
		ModuleName: "payments", Command: "charge", RequestQueue: "payments.request",
	}

	doc := state.New()
	doc.SetCorrelation("trace-7", "svc-1", "user-3", "inst-9")

	jobID, err := client.Call(ctx, desc, doc, map[string]any{"amount": 100, "currency": "EUR"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	msg, err := broker.Dequeue(ctx, "payments.request", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	var env schema.Envelope
	require.NoError(t, json.Unmarshal(msg.Body, &env))
	assert.Equal(t, "charge", env.Command)
	assert.Equal(t, jobID, env.JobID)
	assert.Equal(t, "trace-7", env.TraceID)
	assert.Equal(t, "orchestrator", env.ServiceName)
	assert.True(t, env.RequireResponse)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, float64(100), payload["amount"])
	assert.Equal(t, "EUR", payload["currency"])
	// Correlation identifiers travel inside the payload too.
	assert.Equal(t, "svc-1", payload["serviceId"])
	assert.Equal(t, "inst-9", payload["institutionId"])
	assert.Equal(t, "user-3", payload["userId"])
}

func TestComponentStepDispatchesThenBindsResponse(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()

	registry := NewRegistry()
	client := NewClient(broker, "orchestrator", discardLogger())
	require.NoError(t, registry.Load(
		&schema.Module{Name: "payments", Version: "1.0.0"},
		[]*schema.StepDescriptor{{
			Kind: schema.DescriptorKindComponent, StepType: "payments.charge",
			ModuleName: "payments", Command: "charge", RequestQueue: "payments.request",
			InputSchema:    json.RawMessage(`{"type":"object","properties":{"amount":{"type":"integer"}}}`),
			OutputProperty: "Receipt",
		}}))

	source := NewBodySource(registry, client)
	body, ok := source.ResolveBody("payments.charge")
	require.True(t, ok)

	typer, ok := body.(host.InputTyper)
	require.True(t, ok)
	assert.Equal(t, "integer", typer.InputType("amount"))

	sc := &host.StepContext{
		Pointer: &schema.ExecutionPointer{ID: "p1", StepID: "pay"},
		Step:    &schema.StepDefinition{ID: "pay", StepType: "payments.charge"},
		State:   state.New(),
		Inputs:  map[string]any{"amount": int32(100)},
		Logger:  discardLogger(),
	}

	res, err := body.Run(ctx, sc)
	require.NoError(t, err)
	assert.False(t, res.Proceed)
	assert.NotEmpty(t, res.EventName)
	assert.Equal(t, res.EventName, res.EventKey)

	// The response event re-enters the same body and binds the output.
	sc.Pointer.EventPublished = true
	sc.Pointer.EventData = map[string]any{"receiptId": "r-1"}
	res, err = body.Run(ctx, sc)
	require.NoError(t, err)
	assert.True(t, res.Proceed)
	assert.Equal(t, map[string]any{"receiptId": "r-1"}, res.Outputs["Receipt"])
}

func TestEventStepWaitsOnModuleKey(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Load(
		&schema.Module{Name: "payments", Version: "1.0.0"},
		[]*schema.StepDescriptor{{
			Kind: schema.DescriptorKindEvent, StepType: "payment.settled",
			ModuleName: "payments", Command: "payment.settled", OutputProperty: "Result",
		}}))
	source := NewBodySource(registry, NewClient(nil, "orchestrator", discardLogger()))

	body, ok := source.ResolveBody("payment.settled")
	require.True(t, ok)

	sc := &host.StepContext{
		Pointer: &schema.ExecutionPointer{ID: "p1", StepID: "settle"},
		Step:    &schema.StepDefinition{ID: "settle", StepType: "payment.settled"},
		State:   state.New(),
	}
	res, err := body.Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "payment.settled", res.EventName)
	assert.Equal(t, "payments", res.EventKey)
}

func TestPrepareOutput(t *testing.T) {
	out, err := PrepareOutput(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, out)

	_, err = PrepareOutput(json.RawMessage(`{broken`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBinding, schema.CodeOf(err))

	out, err = PrepareOutput("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = PrepareOutput(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
