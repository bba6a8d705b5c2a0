package schema

import (
	"encoding/json"
	"time"
)

// Control topics and queues used by the orchestration loop.
const (
	TopicModuleCreated     = "internal.workflow.module.created"
	TopicDefinitionCreated = "internal.workflow.definition.created"
	QueueModuleRegistration = "internal.workflow.module.registration"
)

// Envelope is the message format exchanged with modules over the queues.
// Command names the component to run (request queue) or the event being
// reported (event queue). JobID correlates a dispatch with its response.
type Envelope struct {
	Command         string          `json:"command"`
	ServiceID       string          `json:"serviceId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	InstitutionID   string          `json:"institutionId,omitempty"`
	JobID           string          `json:"jobId"`
	TraceID         string          `json:"traceId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	When            time.Time       `json:"when"`
	ServiceName     string          `json:"serviceName,omitempty"`
	RequireResponse bool            `json:"requireResponse"`
}

// WorkflowEvent is an event delivered into the host: either a module
// response (Name = Key = jobId) or a module-emitted event
// (Name = command, Key = module name).
type WorkflowEvent struct {
	Name    string          `json:"name"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}
