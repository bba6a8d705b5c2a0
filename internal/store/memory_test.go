package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

func testDefinition(id string, version int) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Version: version,
		Name:    "order-flow",
		Status:  schema.WorkflowStatusStopped,
		Steps: []schema.StepDefinition{
			{ID: "step1", StepType: "billing.charge", NextStepID: "step2"},
			{ID: "step2", StepType: "printMessage"},
		},
	}
}

func TestDefinitionVersioningIsImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateDefinition(ctx, testDefinition("wf-1", 1)))

	err := s.CreateDefinition(ctx, testDefinition("wf-1", 1))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	require.NoError(t, s.CreateDefinition(ctx, testDefinition("wf-1", 2)))

	latest, err := s.GetLatestDefinition(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	versions, err := s.ListDefinitionVersions(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestListDefinitionsReturnsLatestVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateDefinition(ctx, testDefinition("wf-1", 1)))
	require.NoError(t, s.CreateDefinition(ctx, testDefinition("wf-1", 2)))
	require.NoError(t, s.CreateDefinition(ctx, testDefinition("wf-2", 1)))

	defs, err := s.ListDefinitions(ctx, DefinitionFilter{})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	for _, def := range defs {
		if def.ID == "wf-1" {
			assert.Equal(t, 2, def.Version)
		}
	}
}

func TestInstanceLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := &schema.WorkflowInstance{
		ID:           "inst-1",
		DefinitionID: "wf-1",
		Version:      1,
		Status:       schema.InstanceStatusRunnable,
		CreateTime:   time.Now().UTC(),
		State:        map[string]any{"$$step1_A_Out": 1.0},
		Pointers: []*schema.ExecutionPointer{
			{ID: "p1", StepID: "step1", Status: schema.PointerStatusPending, Active: true},
		},
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunnable, got.Status)
	require.Len(t, got.Pointers, 1)

	// Mutating the returned copy does not touch the stored instance.
	got.Status = schema.InstanceStatusComplete
	again, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunnable, again.Status)

	got.Status = schema.InstanceStatusTerminated
	require.NoError(t, s.UpdateInstance(ctx, got))
	final, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusTerminated, final.Status)
}

func TestInstanceFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour).UTC()
	cutoff := time.Now().Add(-time.Hour).UTC()

	require.NoError(t, s.CreateInstance(ctx, &schema.WorkflowInstance{
		ID: "i-old", DefinitionID: "wf-1", Version: 1,
		Status: schema.InstanceStatusRunnable, CreateTime: old,
		State: map[string]any{},
	}))
	require.NoError(t, s.CreateInstance(ctx, &schema.WorkflowInstance{
		ID: "i-new", DefinitionID: "wf-1", Version: 1,
		Status: schema.InstanceStatusComplete, CreateTime: time.Now().UTC(),
		State: map[string]any{},
	}))

	n, err := s.CountInstances(ctx, InstanceFilter{DefinitionID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountInstances(ctx, InstanceFilter{
		Statuses:      []schema.InstanceStatus{schema.InstanceStatusRunnable},
		CreatedBefore: &cutoff,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListInstances(ctx, InstanceFilter{
		Statuses: []schema.InstanceStatus{schema.InstanceStatusComplete},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "i-new", list[0].ID)
}

func TestModuleDuplicateRejection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mod := &schema.Module{
		ID:           "m-1",
		Name:         "billing",
		Version:      "1.0",
		ArtifactName: schema.ArtifactNameFor("billing", "1.0"),
		Hash:         "abc",
		Queues:       schema.ModuleQueues{Request: "rq", Response: "rs", Event: "ev"},
	}
	descs := []*schema.StepDescriptor{
		{Kind: schema.DescriptorKindComponent, StepType: "billing.charge", ModuleName: "billing", Command: "charge"},
	}
	require.NoError(t, s.CreateModule(ctx, mod, descs))

	dup := deepCopy(mod)
	dup.ID = "m-2"
	err := s.CreateModule(ctx, dup, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDuplicateModule, schema.CodeOf(err))

	// Deprecation frees the artifact name.
	require.NoError(t, s.DeprecateModule(ctx, "billing", "1.0"))
	require.NoError(t, s.CreateModule(ctx, dup, descs))

	got, err := s.GetDescriptors(ctx, "billing", "1.0")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "billing.charge", got[0].StepType)
}

func TestDeprecateModuleIsNotIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.DeprecateModule(ctx, "ghost", "1.0")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestEventLogSequencing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, typ := range []string{EventInstanceStarted, EventPointerStarted, EventPointerCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &ExecutionEvent{InstanceID: "inst-1", Type: typ}))
	}
	require.NoError(t, s.AppendEvent(ctx, &ExecutionEvent{InstanceID: "inst-2", Type: EventInstanceStarted}))

	events, err := s.GetEvents(ctx, "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)

	tail, err := s.GetEvents(ctx, "inst-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, EventPointerCompleted, tail[0].Type)
}
