// Package store is the persistence layer: workflow definitions, instances,
// registered modules with their generated descriptors, and an append-only
// execution event log.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	Status *schema.WorkflowStatus
	Name   string
	Limit  int
	Offset int
}

// InstanceFilter narrows ListInstances and CountInstances.
type InstanceFilter struct {
	DefinitionID  string
	Version       int // 0 = any
	Statuses      []schema.InstanceStatus
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ExecutionEvent is one append-only record of an instance or pointer
// transition.
type ExecutionEvent struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instanceId"`
	PointerID  string          `json:"pointerId,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Execution event types.
const (
	EventInstanceStarted    = "instance.started"
	EventInstanceSuspended  = "instance.suspended"
	EventInstanceResumed    = "instance.resumed"
	EventInstanceCompleted  = "instance.completed"
	EventInstanceTerminated = "instance.terminated"
	EventPointerStarted     = "pointer.started"
	EventPointerCompleted   = "pointer.completed"
	EventPointerFailed      = "pointer.failed"
	EventPointerWaiting     = "pointer.waiting"
	EventPointerSleeping    = "pointer.sleeping"
	EventPointerCancelled   = "pointer.cancelled"
	EventModuleCreated      = "module.created"
	EventModuleDeprecated   = "module.deprecated"
	EventDefinitionCreated  = "definition.created"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	GetLatestDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	ListDefinitionVersions(ctx context.Context, id string) ([]int, error)
	UpdateDefinitionStatus(ctx context.Context, id string, version int, status schema.WorkflowStatus) error
	UpdateDefinitionMetadata(ctx context.Context, id string, version int, metadata map[string]any) error

	// Instances
	CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error)
	CountInstances(ctx context.Context, filter InstanceFilter) (int, error)

	// Modules
	CreateModule(ctx context.Context, m *schema.Module, descriptors []*schema.StepDescriptor) error
	GetModule(ctx context.Context, name, version string) (*schema.Module, error)
	ListModules(ctx context.Context, includeDeprecated bool) ([]*schema.Module, error)
	DeprecateModule(ctx context.Context, name, version string) error
	GetDescriptors(ctx context.Context, moduleName, moduleVersion string) ([]*schema.StepDescriptor, error)

	// Event Sourcing (append-only)
	AppendEvent(ctx context.Context, event *ExecutionEvent) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*ExecutionEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
