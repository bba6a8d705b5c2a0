package definition

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/modules"
	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// ComponentInfo describes one step type available to definition authors.
type ComponentInfo struct {
	StepType     string          `json:"stepType"`
	Kind         string          `json:"kind"` // primitive | builtin | component | event
	ModuleName   string          `json:"moduleName,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// CreatedAnnouncement is the payload broadcast when a definition version
// is persisted.
type CreatedAnnouncement struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Service owns definition versioning and activation.
type Service struct {
	store    store.Store
	host     *host.Host
	registry *modules.Registry
	broker   queue.Broker
	logger   *slog.Logger

	// components holds the last built []ComponentInfo snapshot; readers
	// always see a complete snapshot, never a half-built one.
	components atomic.Value
}

// NewService creates a definition Service.
func NewService(st store.Store, h *host.Host, registry *modules.Registry, broker queue.Broker, logger *slog.Logger) *Service {
	s := &Service{store: st, host: h, registry: registry, broker: broker, logger: logger}
	s.components.Store([]ComponentInfo{})
	return s
}

// CreateOrUpdate persists a definition. The first submission of an ID
// becomes version 1; later submissions allocate the next version. When the
// latest version still has live instances, the caller must pick a
// versioning action or the update is rejected with ACTION_REQUIRED.
func (s *Service) CreateOrUpdate(ctx context.Context, def *schema.WorkflowDefinition, action schema.VersioningAction) (*schema.WorkflowDefinition, error) {
	if result := Validate(def, s.registry); !result.Valid() {
		return nil, result.ToError()
	}

	version := 1
	latest, err := s.store.GetLatestDefinition(ctx, def.ID)
	if err != nil && schema.CodeOf(err) != schema.ErrCodeNotFound {
		return nil, err
	}
	if latest != nil {
		live, err := s.store.CountInstances(ctx, store.InstanceFilter{
			DefinitionID: def.ID,
			Statuses:     []schema.InstanceStatus{schema.InstanceStatusRunnable, schema.InstanceStatusSuspended},
		})
		if err != nil {
			return nil, err
		}
		if live > 0 {
			switch action {
			case schema.VersioningActionTerminateNow:
				if err := s.terminateLiveInstances(ctx, def.ID); err != nil {
					return nil, err
				}
			case schema.VersioningActionTerminateAfterInProgress:
				// In-flight instances drain on their pinned version; only
				// new runs pick up the new one.
			default:
				return nil, schema.NewErrorf(schema.ErrCodeActionRequired,
					"definition %s has %d live instances; choose a versioning action", def.ID, live).
					WithDetails(map[string]any{"live_instances": live})
			}
		}
		version = latest.Version + 1
	}

	raw, err := CompileRaw(def)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stored := &schema.WorkflowDefinition{
		ID:       def.ID,
		Version:  version,
		Name:     def.Name,
		Status:   def.Status,
		Steps:    def.Steps,
		Raw:      raw,
		Metadata: def.Metadata,
		Created:  now,
		Updated:  now,
	}
	if stored.Status == "" {
		stored.Status = schema.WorkflowStatusStopped
	}

	if err := s.store.CreateDefinition(ctx, stored); err != nil {
		return nil, err
	}
	if stored.Status == schema.WorkflowStatusRunning {
		s.host.RegisterDefinition(stored)
	}
	// The previous version stops accepting new runs once a successor
	// exists.
	if latest != nil && latest.Status == schema.WorkflowStatusRunning {
		if err := s.store.UpdateDefinitionStatus(ctx, latest.ID, latest.Version, schema.WorkflowStatusStopped); err != nil {
			s.logger.WarnContext(ctx, "cannot stop previous version",
				"definition_id", latest.ID, "version", latest.Version, "error", err)
		}
		if action != schema.VersioningActionTerminateAfterInProgress {
			s.host.DeregisterDefinition(latest.ID, latest.Version)
		}
	}

	s.announce(ctx, stored)
	s.logger.InfoContext(ctx, "definition stored",
		"definition_id", stored.ID, "version", stored.Version, "status", stored.Status)
	return stored, nil
}

func (s *Service) terminateLiveInstances(ctx context.Context, defID string) error {
	live, err := s.store.ListInstances(ctx, store.InstanceFilter{
		DefinitionID: defID,
		Statuses:     []schema.InstanceStatus{schema.InstanceStatusRunnable, schema.InstanceStatusSuspended},
	})
	if err != nil {
		return err
	}
	for _, inst := range live {
		if err := s.host.TerminateInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) announce(ctx context.Context, def *schema.WorkflowDefinition) {
	if s.broker == nil {
		return
	}
	raw, err := json.Marshal(CreatedAnnouncement{ID: def.ID, Version: def.Version})
	if err == nil {
		err = s.broker.Publish(ctx, schema.TopicDefinitionCreated, raw)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "definition broadcast failed", "error", err)
	}
}

// Get returns one definition version.
func (s *Service) Get(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id, version)
}

// GetVersions lists the persisted versions of a definition.
func (s *Service) GetVersions(ctx context.Context, id string) ([]int, error) {
	return s.store.ListDefinitionVersions(ctx, id)
}

// List returns the latest version of every definition.
func (s *Service) List(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, filter)
}

// UpdateMetadata replaces the metadata of a definition version.
func (s *Service) UpdateMetadata(ctx context.Context, id string, version int, metadata map[string]any) error {
	return s.store.UpdateDefinitionMetadata(ctx, id, version, metadata)
}

// Run activates the latest version: new instances can be started and
// event-triggered runs begin matching.
func (s *Service) Run(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowStatusRunning)
}

// Stop deactivates the latest version. Live instances keep executing.
func (s *Service) Stop(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowStatusStopped)
}

// Pause holds new runs of the latest version without forgetting that it
// was live.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowStatusPaused)
}

// Resume reactivates a paused definition.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowStatusRunning)
}

func (s *Service) setStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	latest, err := s.store.GetLatestDefinition(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.UpdateDefinitionStatus(ctx, id, latest.Version, status); err != nil {
		return err
	}
	latest.Status = status
	if status == schema.WorkflowStatusRunning {
		s.host.RegisterDefinition(latest)
	} else {
		s.host.DeregisterDefinition(id, latest.Version)
	}
	s.logger.InfoContext(ctx, "definition status changed",
		"definition_id", id, "version", latest.Version, "status", status)
	return nil
}

// StartRun launches an instance of the latest running version.
func (s *Service) StartRun(ctx context.Context, id string, opts host.StartOptions) (string, error) {
	latest, err := s.store.GetLatestDefinition(ctx, id)
	if err != nil {
		return "", err
	}
	if latest.Status != schema.WorkflowStatusRunning {
		return "", schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s is %s, not running", id, latest.Status)
	}
	return s.host.StartWorkflow(ctx, latest.ID, latest.Version, opts)
}

// RunList lists instances matching the filter.
func (s *Service) RunList(ctx context.Context, filter store.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	return s.store.ListInstances(ctx, filter)
}

// RunCount counts instances matching the filter.
func (s *Service) RunCount(ctx context.Context, filter store.InstanceFilter) (int, error) {
	return s.store.CountInstances(ctx, filter)
}

// RunDetail returns one instance with its full pointer and state view.
func (s *Service) RunDetail(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	return s.store.GetInstance(ctx, instanceID)
}

// LoadAll registers every running definition version with the host.
// Called once at startup, before instances are restored.
func (s *Service) LoadAll(ctx context.Context) error {
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{})
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.Status == schema.WorkflowStatusRunning {
			s.host.RegisterDefinition(def)
		}
	}
	s.RefreshComponents()
	return nil
}

// Components returns the current component catalog snapshot. Reads during
// a rebuild see the previous snapshot.
func (s *Service) Components() []ComponentInfo {
	return s.components.Load().([]ComponentInfo)
}

// RefreshComponents rebuilds the component catalog from the primitives,
// builtins, and every loaded module descriptor, then swaps it in.
func (s *Service) RefreshComponents() {
	catalog := []ComponentInfo{
		{StepType: schema.StepTypeIf, Kind: "primitive"},
		{StepType: schema.StepTypeWhile, Kind: "primitive"},
		{StepType: schema.StepTypeForeach, Kind: "primitive"},
		{StepType: schema.StepTypeDelay, Kind: "primitive"},
		{StepType: schema.StepTypeSchedule, Kind: "primitive"},
		{StepType: schema.StepTypeRecur, Kind: "primitive"},
	}
	for _, builtin := range builtinCatalog() {
		catalog = append(catalog, builtin)
	}
	if s.registry != nil {
		for _, m := range s.registry.List() {
			catalog = append(catalog, moduleCatalog(s.registry, m)...)
		}
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].StepType < catalog[j].StepType })
	s.components.Store(catalog)
}
