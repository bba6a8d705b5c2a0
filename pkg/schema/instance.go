package schema

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunnable   InstanceStatus = "runnable"
	InstanceStatusSuspended  InstanceStatus = "suspended"
	InstanceStatusComplete   InstanceStatus = "complete"
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// PointerStatus is the lifecycle state of an execution pointer.
type PointerStatus string

const (
	PointerStatusPending            PointerStatus = "pending"
	PointerStatusRunning            PointerStatus = "running"
	PointerStatusSleeping           PointerStatus = "sleeping"
	PointerStatusWaitingForEvent    PointerStatus = "waiting_for_event"
	PointerStatusComplete           PointerStatus = "complete"
	PointerStatusFailed             PointerStatus = "failed"
	PointerStatusCancelled          PointerStatus = "cancelled"
	PointerStatusPendingPredecessor PointerStatus = "pending_predecessor"
)

// BranchControl is the persisted control-flow marker for composite steps.
// A nil ChildrenActive means the step has not fanned out yet.
type BranchControl struct {
	ChildrenActive []string `json:"childrenActive,omitempty"`
}

// FannedOut reports whether the composite step has already spawned its
// child pointers.
func (b *BranchControl) FannedOut() bool {
	return b != nil && b.ChildrenActive != nil
}

// ExecutionPointer tracks the position and state of one step activation
// within a workflow instance.
type ExecutionPointer struct {
	ID                  string         `json:"id"`
	StepID              string         `json:"stepId"`
	Status              PointerStatus  `json:"status"`
	Active              bool           `json:"active"`
	PredecessorID       string         `json:"predecessorId,omitempty"`
	ParentID            string         `json:"parentId,omitempty"` // enclosing composite pointer
	StartTime           *time.Time     `json:"startTime,omitempty"`
	EndTime             *time.Time     `json:"endTime,omitempty"`
	SleepUntil          *time.Time     `json:"sleepUntil,omitempty"`
	Children            []string       `json:"children,omitempty"`
	EventName           string         `json:"eventName,omitempty"`
	EventKey            string         `json:"eventKey,omitempty"`
	EventPublished      bool           `json:"eventPublished"`
	EventData           any            `json:"eventData,omitempty"`
	Control             *BranchControl `json:"control,omitempty"`
	ContextItem         any            `json:"contextItem,omitempty"` // loop item for foreach children
	ExtensionAttributes map[string]any `json:"extensionAttributes,omitempty"`
}

// WorkflowInstance is one run of a definition version. The host owns all
// status transitions; external callers can only request termination.
type WorkflowInstance struct {
	ID           string             `json:"id"`
	DefinitionID string             `json:"definitionId"`
	Version      int                `json:"version"`
	Status       InstanceStatus     `json:"status"`
	Reference    string             `json:"reference,omitempty"`
	CreateTime   time.Time          `json:"createTime"`
	CompleteTime *time.Time         `json:"completeTime,omitempty"`
	Pointers     []*ExecutionPointer `json:"pointers"`
	State        map[string]any     `json:"state"` // runtime state document, serialized form
	Errors       []ExecutionError   `json:"errors,omitempty"`
}

// ExecutionError records a fault raised during instance execution.
type ExecutionError struct {
	PointerID string    `json:"pointerId,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Pointer returns the pointer with the given ID, or nil.
func (w *WorkflowInstance) Pointer(id string) *ExecutionPointer {
	for _, p := range w.Pointers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Complete reports whether the instance reached a terminal status.
func (w *WorkflowInstance) Complete() bool {
	return w.Status == InstanceStatusComplete || w.Status == InstanceStatusTerminated
}
