package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ModuleQueues names the three queues a module binds to.
type ModuleQueues struct {
	Request  string `json:"request"`
	Response string `json:"response"`
	Event    string `json:"event"`
}

// Module is a registered external module version. (Name, Version) is unique
// while the module is not deprecated; the artifact name is globally unique.
type Module struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	ArtifactName string       `json:"artifactName"` // "<name>_module_<version>"
	Hash         string       `json:"hash"`         // sha256 over the registration content
	Queues       ModuleQueues `json:"queues"`
	Deprecated   bool         `json:"deprecated"`
	Created      time.Time    `json:"created"`
}

// ModuleKey returns the registry key for a (name, version) pair.
func ModuleKey(name, version string) string {
	return name + "@" + version
}

// Key returns the registry key of this module.
func (m *Module) Key() string {
	return ModuleKey(m.Name, m.Version)
}

// ArtifactNameFor builds the unique artifact name for a module version.
func ArtifactNameFor(name, version string) string {
	return fmt.Sprintf("%s_module_%s", name, version)
}

// ModuleComponent is one callable operation a module exposes. Its schemas
// are JSON Schema documents describing the request payload and the response
// event payload.
type ModuleComponent struct {
	Name         string          `json:"name"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ModuleEvent is a spontaneous event a module emits.
type ModuleEvent struct {
	Name         string          `json:"name"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ModuleRegistration is the payload a module sends to register itself.
type ModuleRegistration struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Queues     ModuleQueues      `json:"queues"`
	Components []ModuleComponent `json:"components,omitempty"`
	Events     []ModuleEvent     `json:"events,omitempty"`
}

// StepDescriptorKind distinguishes component-call descriptors from
// event-wait descriptors.
type StepDescriptorKind string

const (
	DescriptorKindComponent StepDescriptorKind = "component"
	DescriptorKindEvent     StepDescriptorKind = "event"
)

// StepDescriptor is the generated binding for one module component or
// event: the step type it answers to, the queue it dispatches to (for
// components), and the schemas governing its inputs and outputs. External
// modules execute the work; the descriptor only carries routing and shape.
type StepDescriptor struct {
	Kind         StepDescriptorKind `json:"kind"`
	StepType     string             `json:"stepType"` // "<module>.<name>" or event name
	ModuleName   string             `json:"moduleName"`
	Command      string             `json:"command"` // component or event name
	RequestQueue string             `json:"requestQueue,omitempty"`
	InputSchema  json.RawMessage    `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage    `json:"outputSchema,omitempty"`
	OutputProperty string           `json:"outputProperty,omitempty"`
}
