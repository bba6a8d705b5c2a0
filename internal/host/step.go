package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/stepmesh/stepmesh/internal/expressions"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// StepContext carries everything a step body needs for one activation.
type StepContext struct {
	Instance *schema.WorkflowInstance
	Pointer  *schema.ExecutionPointer
	Step     *schema.StepDefinition
	State    *state.Document
	Resolver *expressions.Resolver
	Inputs   map[string]any // bound inputs, by property name
	Item     any            // loop item for foreach children
	Logger   *slog.Logger
}

// BranchActivation describes one child sequence to spawn from a composite
// step: the steps of the branch plus an optional loop item bound to them.
type BranchActivation struct {
	Steps []schema.StepDefinition
	Item  any
}

// ExecutionResult is what a step body returns from one activation.
type ExecutionResult struct {
	// Proceed moves the pointer to complete and schedules the successor.
	Proceed bool

	// Outputs are captured into state under "$$<stepId>_<prop>_Out" keys.
	Outputs map[string]any

	// SleepUntil parks the pointer until the given time.
	SleepUntil *time.Time

	// EventName/EventKey park the pointer until a matching event arrives.
	EventName string
	EventKey  string

	// Branches spawns child pointers; the composite pointer persists until
	// all children complete.
	Branches []BranchActivation
}

// ResultNext completes the step and proceeds to its successor.
func ResultNext() *ExecutionResult {
	return &ExecutionResult{Proceed: true}
}

// ResultOutcome completes the step with captured outputs.
func ResultOutcome(outputs map[string]any) *ExecutionResult {
	return &ExecutionResult{Proceed: true, Outputs: outputs}
}

// ResultSleep parks the pointer until t.
func ResultSleep(t time.Time) *ExecutionResult {
	return &ExecutionResult{SleepUntil: &t}
}

// ResultWaitForEvent parks the pointer until the named event arrives with
// the given key.
func ResultWaitForEvent(name, key string) *ExecutionResult {
	return &ExecutionResult{EventName: name, EventKey: key}
}

// ResultBranch spawns the given child sequences.
func ResultBranch(branches ...BranchActivation) *ExecutionResult {
	return &ExecutionResult{Branches: branches}
}

// StepBody executes one step activation. Implementations must be safe for
// concurrent use across instances; per-instance serialization is the
// host's job.
type StepBody interface {
	Run(ctx context.Context, sc *StepContext) (*ExecutionResult, error)
}

// StepBodyFunc adapts a function to the StepBody interface.
type StepBodyFunc func(ctx context.Context, sc *StepContext) (*ExecutionResult, error)

// Run implements StepBody.
func (f StepBodyFunc) Run(ctx context.Context, sc *StepContext) (*ExecutionResult, error) {
	return f(ctx, sc)
}

// BodyResolver maps a step type to its body. The host consults registered
// builtins first, then falls back to the resolver (module descriptors).
type BodyResolver interface {
	ResolveBody(stepType string) (StepBody, bool)
}
