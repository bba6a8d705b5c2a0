// Package modules manages external module registrations: generating step
// descriptors from a module's registration payload, keeping the loaded
// descriptor set in memory, and dispatching component calls over the queue
// layer.
package modules

import (
	"encoding/json"
	"sync"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

type loadedModule struct {
	module      *schema.Module
	descriptors map[string]*schema.StepDescriptor // by step type
}

// Registry holds the loaded modules and their step descriptors. Step types
// index the latest loaded descriptor, so reloading a newer module version
// takes over its step types.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*loadedModule          // by "name@version"
	steps   map[string]*schema.StepDescriptor // by step type
	owners  map[string]string                 // step type -> module key
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*loadedModule),
		steps:   make(map[string]*schema.StepDescriptor),
		owners:  make(map[string]string),
	}
}

// Load makes a module's descriptors resolvable. Loading an already-loaded
// module version is rejected.
func (r *Registry) Load(m *schema.Module, descriptors []*schema.StepDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := m.Key()
	if _, exists := r.modules[key]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateModule,
			"module %s is already loaded", key)
	}

	lm := &loadedModule{module: m, descriptors: make(map[string]*schema.StepDescriptor, len(descriptors))}
	for _, d := range descriptors {
		lm.descriptors[d.StepType] = d
		r.steps[d.StepType] = d
		r.owners[d.StepType] = key
	}
	r.modules[key] = lm
	return nil
}

// Unload removes a module version and its step types. Returns false when
// the module was not loaded; unloading twice is not an error.
func (r *Registry) Unload(name, version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := schema.ModuleKey(name, version)
	lm, ok := r.modules[key]
	if !ok {
		return false
	}
	delete(r.modules, key)
	for stepType := range lm.descriptors {
		// Another version may have taken the step type over since.
		if r.owners[stepType] == key {
			delete(r.steps, stepType)
			delete(r.owners, stepType)
		}
	}
	return true
}

// Module returns the loaded module for a (name, version) pair.
func (r *Registry) Module(name, version string) (*schema.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lm, ok := r.modules[schema.ModuleKey(name, version)]
	if !ok {
		return nil, false
	}
	return lm.module, true
}

// Descriptors returns the descriptors of a loaded module version.
func (r *Registry) Descriptors(name, version string) []*schema.StepDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lm, ok := r.modules[schema.ModuleKey(name, version)]
	if !ok {
		return nil
	}
	out := make([]*schema.StepDescriptor, 0, len(lm.descriptors))
	for _, d := range lm.descriptors {
		out = append(out, d)
	}
	return out
}

// Descriptor resolves a step type to its descriptor.
func (r *Registry) Descriptor(stepType string) (*schema.StepDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.steps[stepType]
	return d, ok
}

// List returns all loaded modules.
func (r *Registry) List() []*schema.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.Module, 0, len(r.modules))
	for _, lm := range r.modules {
		out = append(out, lm.module)
	}
	return out
}

// SchemaProperties extracts "property -> type" pairs from a JSON Schema
// document. Returns nil when the schema is absent or declares no
// properties.
func SchemaProperties(raw json.RawMessage) map[string]string {
	return schemaPropertyTypes(raw)
}

// schemaPropertyTypes extracts "property -> type" hints from a JSON Schema
// document, used to drive input coercion.
func schemaPropertyTypes(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Properties) == 0 {
		return nil
	}
	types := make(map[string]string, len(doc.Properties))
	for name, prop := range doc.Properties {
		types[name] = prop.Type
	}
	return types
}
