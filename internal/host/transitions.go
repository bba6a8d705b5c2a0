package host

import (
	"context"

	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// EventAppender is satisfied by the Store; used to emit execution events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.ExecutionEvent) error
}

// ValidInstanceTransitions defines the allowed state transitions for
// workflow instances.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusRunnable:   {schema.InstanceStatusSuspended, schema.InstanceStatusComplete, schema.InstanceStatusTerminated},
	schema.InstanceStatusSuspended:  {schema.InstanceStatusRunnable, schema.InstanceStatusTerminated},
	schema.InstanceStatusComplete:   {},
	schema.InstanceStatusTerminated: {},
}

// ValidPointerTransitions defines the allowed state transitions for
// execution pointers.
var ValidPointerTransitions = map[schema.PointerStatus][]schema.PointerStatus{
	schema.PointerStatusPending:            {schema.PointerStatusRunning, schema.PointerStatusCancelled},
	schema.PointerStatusPendingPredecessor: {schema.PointerStatusPending, schema.PointerStatusCancelled},
	schema.PointerStatusRunning:            {schema.PointerStatusComplete, schema.PointerStatusFailed, schema.PointerStatusSleeping, schema.PointerStatusWaitingForEvent, schema.PointerStatusPending, schema.PointerStatusPendingPredecessor, schema.PointerStatusCancelled},
	schema.PointerStatusSleeping:           {schema.PointerStatusPending, schema.PointerStatusCancelled},
	schema.PointerStatusWaitingForEvent:    {schema.PointerStatusPending, schema.PointerStatusCancelled},
	schema.PointerStatusComplete:           {},
	schema.PointerStatusFailed:             {},
	schema.PointerStatusCancelled:          {},
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	for _, a := range ValidInstanceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidPointerTransition(from, to schema.PointerStatus) bool {
	for _, a := range ValidPointerTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// transitionInstance validates and applies an instance status change,
// emitting the matching execution event.
func transitionInstance(ctx context.Context, appender EventAppender, inst *schema.WorkflowInstance, to schema.InstanceStatus) error {
	from := inst.Status
	if from == to {
		return nil
	}
	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": inst.ID})
	}
	inst.Status = to

	eventType := instanceEventType(from, to)
	if eventType != "" && appender != nil {
		event := &store.ExecutionEvent{InstanceID: inst.ID, Type: eventType}
		if err := appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit instance event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// transitionPointer validates and applies a pointer status change,
// emitting the matching execution event.
func transitionPointer(ctx context.Context, appender EventAppender, instanceID string, p *schema.ExecutionPointer, to schema.PointerStatus) error {
	from := p.Status
	if from == to {
		return nil
	}
	if !isValidPointerTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid pointer transition: %s -> %s", from, to).
			WithStep(p.StepID).
			WithDetails(map[string]any{"instance_id": instanceID, "pointer_id": p.ID})
	}
	p.Status = to

	eventType := pointerEventType(to)
	if eventType != "" && appender != nil {
		event := &store.ExecutionEvent{InstanceID: instanceID, PointerID: p.ID, StepID: p.StepID, Type: eventType}
		if err := appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit pointer event: %s", err.Error()).
				WithStep(p.StepID).WithCause(err)
		}
	}
	return nil
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunnable:
		if from == schema.InstanceStatusSuspended {
			return store.EventInstanceResumed
		}
		return store.EventInstanceStarted
	case schema.InstanceStatusSuspended:
		return store.EventInstanceSuspended
	case schema.InstanceStatusComplete:
		return store.EventInstanceCompleted
	case schema.InstanceStatusTerminated:
		return store.EventInstanceTerminated
	default:
		return ""
	}
}

func pointerEventType(to schema.PointerStatus) string {
	switch to {
	case schema.PointerStatusRunning:
		return store.EventPointerStarted
	case schema.PointerStatusComplete:
		return store.EventPointerCompleted
	case schema.PointerStatusFailed:
		return store.EventPointerFailed
	case schema.PointerStatusWaitingForEvent:
		return store.EventPointerWaiting
	case schema.PointerStatusSleeping:
		return store.EventPointerSleeping
	case schema.PointerStatusCancelled:
		return store.EventPointerCancelled
	default:
		return ""
	}
}
