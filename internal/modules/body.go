package modules

import (
	"context"

	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// BodySource adapts the registry into a host.BodyResolver: every loaded
// descriptor answers its step type with a component-call or event-wait
// body.
type BodySource struct {
	registry *Registry
	client   *Client
}

// NewBodySource creates a BodySource dispatching through client.
func NewBodySource(registry *Registry, client *Client) *BodySource {
	return &BodySource{registry: registry, client: client}
}

// ResolveBody implements host.BodyResolver.
func (s *BodySource) ResolveBody(stepType string) (host.StepBody, bool) {
	desc, ok := s.registry.Descriptor(stepType)
	if !ok {
		return nil, false
	}
	switch desc.Kind {
	case schema.DescriptorKindComponent:
		return &componentStep{desc: desc, client: s.client}, true
	case schema.DescriptorKindEvent:
		return &eventStep{desc: desc}, true
	}
	return nil, false
}

// componentStep dispatches a request to an external module and parks the
// pointer until the correlated response event arrives.
type componentStep struct {
	desc   *schema.StepDescriptor
	client *Client
}

func (s *componentStep) Run(ctx context.Context, sc *host.StepContext) (*host.ExecutionResult, error) {
	if sc.Pointer.EventPublished {
		out, err := PrepareOutput(sc.Pointer.EventData)
		if err != nil {
			return nil, err
		}
		return host.ResultOutcome(map[string]any{s.desc.OutputProperty: out}), nil
	}

	jobID, err := s.client.Call(ctx, s.desc, sc.State, sc.Inputs)
	if err != nil {
		return nil, err
	}
	// The module answers with an event keyed by the job ID on both axes.
	return host.ResultWaitForEvent(jobID, jobID), nil
}

// InputType reports the schema type of a declared input so the binding
// layer can coerce expressions to what the module expects on the wire.
func (s *componentStep) InputType(property string) string {
	return schemaPropertyTypes(s.desc.InputSchema)[property]
}

// eventStep parks the pointer until the module emits the named event.
type eventStep struct {
	desc *schema.StepDescriptor
}

func (s *eventStep) Run(_ context.Context, sc *host.StepContext) (*host.ExecutionResult, error) {
	if sc.Pointer.EventPublished {
		out, err := PrepareOutput(sc.Pointer.EventData)
		if err != nil {
			return nil, err
		}
		return host.ResultOutcome(map[string]any{s.desc.OutputProperty: out}), nil
	}
	// An event-triggered start seeds the step's out-key before the first
	// activation; the step is already satisfied then.
	if seeded, ok := sc.State.Get(state.OutKey(sc.Step.ID, s.desc.OutputProperty)); ok {
		return host.ResultOutcome(map[string]any{s.desc.OutputProperty: seeded}), nil
	}
	return host.ResultWaitForEvent(s.desc.StepType, s.desc.ModuleName), nil
}
