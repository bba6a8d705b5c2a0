package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments without durability requirements. All reads and writes go
// through JSON round-trips so callers never alias stored values.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition // key "id@version"
	instances   map[string]*schema.WorkflowInstance
	modules     map[string]*schema.Module // key artifact name
	descriptors map[string][]*schema.StepDescriptor
	events      map[string][]*ExecutionEvent
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		instances:   make(map[string]*schema.WorkflowInstance),
		modules:     make(map[string]*schema.Module),
		descriptors: make(map[string][]*schema.StepDescriptor),
		events:      make(map[string][]*ExecutionEvent),
	}
}

func defKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

func deepCopy[T any](src T) T {
	raw, _ := json.Marshal(src)
	var out T
	_ = json.Unmarshal(raw, &out)
	return out
}

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey(def.ID, def.Version)
	if _, ok := s.definitions[key]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %d already exists", def.ID, def.Version)
	}
	cp := deepCopy(def)
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	if cp.Updated.IsZero() {
		cp.Updated = cp.Created
	}
	s.definitions[key] = cp
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[defKey(id, version)]
	if !ok {
		return nil, storeNotFound("definition", defKey(id, version))
	}
	return deepCopy(def), nil
}

func (s *MemoryStore) GetLatestDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *schema.WorkflowDefinition
	for _, def := range s.definitions {
		if def.ID != id {
			continue
		}
		if latest == nil || def.Version > latest.Version {
			latest = def
		}
	}
	if latest == nil {
		return nil, storeNotFound("definition", id)
	}
	return deepCopy(latest), nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*schema.WorkflowDefinition)
	for _, def := range s.definitions {
		if cur, ok := latest[def.ID]; !ok || def.Version > cur.Version {
			latest[def.ID] = def
		}
	}

	var defs []*schema.WorkflowDefinition
	for _, def := range latest {
		if filter.Status != nil && def.Status != *filter.Status {
			continue
		}
		if filter.Name != "" && def.Name != filter.Name {
			continue
		}
		defs = append(defs, deepCopy(def))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Created.After(defs[j].Created) })

	defs = window(defs, filter.Offset, filter.Limit)
	return defs, nil
}

func (s *MemoryStore) ListDefinitionVersions(_ context.Context, id string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var versions []int
	for _, def := range s.definitions {
		if def.ID == id {
			versions = append(versions, def.Version)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

func (s *MemoryStore) UpdateDefinitionStatus(_ context.Context, id string, version int, status schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[defKey(id, version)]
	if !ok {
		return storeNotFound("definition", defKey(id, version))
	}
	def.Status = status
	def.Updated = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateDefinitionMetadata(_ context.Context, id string, version int, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[defKey(id, version)]
	if !ok {
		return storeNotFound("definition", defKey(id, version))
	}
	def.Metadata = deepCopy(metadata)
	def.Updated = time.Now().UTC()
	return nil
}

// --- Instances ---

func (s *MemoryStore) CreateInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", inst.ID)
	}
	cp := deepCopy(inst)
	if cp.CreateTime.IsZero() {
		cp.CreateTime = time.Now().UTC()
	}
	s.instances[inst.ID] = cp
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return deepCopy(inst), nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return storeNotFound("instance", inst.ID)
	}
	s.instances[inst.ID] = deepCopy(inst)
	return nil
}

func matchInstance(inst *schema.WorkflowInstance, filter InstanceFilter) bool {
	if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
		return false
	}
	if filter.Version > 0 && inst.Version != filter.Version {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if inst.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.CreatedBefore != nil && !inst.CreateTime.Before(*filter.CreatedBefore) {
		return false
	}
	return true
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.WorkflowInstance
	for _, inst := range s.instances {
		if matchInstance(inst, filter) {
			out = append(out, deepCopy(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	return window(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) CountInstances(_ context.Context, filter InstanceFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, inst := range s.instances {
		if matchInstance(inst, filter) {
			count++
		}
	}
	return count, nil
}

// --- Modules ---

func (s *MemoryStore) CreateModule(_ context.Context, m *schema.Module, descriptors []*schema.StepDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.modules[m.ArtifactName]; ok && !existing.Deprecated {
		return schema.NewErrorf(schema.ErrCodeDuplicateModule,
			"module %s is already registered", m.ArtifactName)
	}
	cp := deepCopy(m)
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	s.modules[m.ArtifactName] = cp
	s.descriptors[m.Key()] = deepCopy(descriptors)
	return nil
}

func (s *MemoryStore) GetModule(_ context.Context, name, version string) (*schema.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[schema.ArtifactNameFor(name, version)]
	if !ok || m.Deprecated {
		return nil, storeNotFound("module", schema.ModuleKey(name, version))
	}
	return deepCopy(m), nil
}

func (s *MemoryStore) ListModules(_ context.Context, includeDeprecated bool) ([]*schema.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Module
	for _, m := range s.modules {
		if m.Deprecated && !includeDeprecated {
			continue
		}
		out = append(out, deepCopy(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactName < out[j].ArtifactName })
	return out, nil
}

func (s *MemoryStore) DeprecateModule(_ context.Context, name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[schema.ArtifactNameFor(name, version)]
	if !ok || m.Deprecated {
		return storeNotFound("module", schema.ModuleKey(name, version))
	}
	m.Deprecated = true
	return nil
}

func (s *MemoryStore) GetDescriptors(_ context.Context, moduleName, moduleVersion string) ([]*schema.StepDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descs, ok := s.descriptors[schema.ModuleKey(moduleName, moduleVersion)]
	if !ok {
		return nil, nil
	}
	return deepCopy(descs), nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	cp := deepCopy(event)
	cp.ID = s.nextEventID
	cp.Sequence = int64(len(s.events[event.InstanceID]) + 1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], cp)
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionEvent
	for _, e := range s.events[instanceID] {
		if e.Sequence > since {
			out = append(out, deepCopy(e))
		}
	}
	return out, nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func window[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
