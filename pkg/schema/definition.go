package schema

import "time"

// WorkflowStatus is the lifecycle state of a workflow definition version.
type WorkflowStatus string

const (
	WorkflowStatusStopped WorkflowStatus = "stopped"
	WorkflowStatusRunning WorkflowStatus = "running"
	WorkflowStatusPaused  WorkflowStatus = "paused"
)

// VersioningAction tells CreateOrUpdate what to do with live instances of
// the previous version when a definition with active runs is edited.
type VersioningAction string

const (
	// VersioningActionNone rejects the update when live instances exist.
	VersioningActionNone VersioningAction = ""
	// VersioningActionTerminateNow terminates all incomplete instances of
	// the prior version immediately.
	VersioningActionTerminateNow VersioningAction = "terminate_now"
	// VersioningActionTerminateAfterInProgress lets in-flight instances
	// drain on the prior version; only new runs use the new version.
	VersioningActionTerminateAfterInProgress VersioningAction = "terminate_after_in_progress"
)

// WorkflowDefinition is a versioned workflow graph. The ID is stable across
// versions; (ID, Version) is unique and immutable once persisted.
type WorkflowDefinition struct {
	ID       string           `json:"id"`
	Version  int              `json:"version"`
	Name     string           `json:"name"`
	Status   WorkflowStatus   `json:"status"`
	Steps    []StepDefinition `json:"steps"`
	Raw      string           `json:"raw,omitempty"` // compiled form, after the reference rewrite
	Metadata map[string]any   `json:"metadata,omitempty"`
	Created  time.Time        `json:"created"`
	Updated  time.Time        `json:"updated"`
}

// StepDefinition describes a single step in a workflow graph.
//
// StepType is either "<module>.<component>" for external module components,
// an event reference for module events, a builtin name, or one of the
// primitive types below. Do holds child branch sequences for composite
// primitives (If, While, Foreach, Schedule, Recur).
type StepDefinition struct {
	ID              string             `json:"id"`
	Name            string             `json:"name,omitempty"`
	StepType        string             `json:"stepType"`
	NextStepID      string             `json:"nextStepId,omitempty"`
	Inputs          map[string]string  `json:"inputs,omitempty"`  // property -> expression
	Outputs         map[string]string  `json:"outputs,omitempty"` // state key -> expression
	SelectNextStep  map[string]string  `json:"selectNextStep,omitempty"`
	Do              [][]StepDefinition `json:"do,omitempty"`
	CancelCondition string             `json:"cancelCondition,omitempty"` // cancels live pointers when it turns true
}

// Primitive step types handled by the host itself.
const (
	StepTypeIf       = "if"
	StepTypeWhile    = "while"
	StepTypeForeach  = "foreach"
	StepTypeDelay    = "delay"
	StepTypeSchedule = "schedule"
	StepTypeRecur    = "recur"
)

// IsPrimitive reports whether stepType is a control-flow primitive executed
// by the host rather than a module component or builtin.
func IsPrimitive(stepType string) bool {
	switch stepType {
	case StepTypeIf, StepTypeWhile, StepTypeForeach, StepTypeDelay, StepTypeSchedule, StepTypeRecur:
		return true
	}
	return false
}

// FirstStep returns the entry step of the definition, or nil when the graph
// is empty.
func (d *WorkflowDefinition) FirstStep() *StepDefinition {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}

// WalkSteps visits every step in the definition, descending into nested Do
// branches. The visit order is declaration order, parents before children.
func (d *WorkflowDefinition) WalkSteps(fn func(*StepDefinition)) {
	walkSteps(d.Steps, fn)
}

func walkSteps(steps []StepDefinition, fn func(*StepDefinition)) {
	for i := range steps {
		fn(&steps[i])
		for _, branch := range steps[i].Do {
			walkSteps(branch, fn)
		}
	}
}

// FindStep returns the step with the given ID anywhere in the graph.
func (d *WorkflowDefinition) FindStep(id string) *StepDefinition {
	var found *StepDefinition
	d.WalkSteps(func(s *StepDefinition) {
		if found == nil && s.ID == id {
			found = s
		}
	})
	return found
}
