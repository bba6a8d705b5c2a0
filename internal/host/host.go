// Package host runs workflow instances: it owns the instance and pointer
// state machines, schedules step activations on a bounded worker pool,
// parks pointers that sleep or wait for events, and persists every
// transition through the pluggable store.
package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepmesh/stepmesh/internal/expressions"
	"github.com/stepmesh/stepmesh/internal/logging"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// maxRetainedEvents bounds the unclaimed event buffer.
const maxRetainedEvents = 1000

// StartOptions seeds a new instance.
type StartOptions struct {
	Reference     string
	TraceID       string
	ServiceID     string
	UserID        string
	InstitutionID string
	// Seed pre-populates state keys before the first step runs, used by
	// event-triggered starts to plant "$$<step>_<prop>_Out" values.
	Seed map[string]any
}

// Host executes workflow instances for registered definition versions.
type Host struct {
	store    store.Store
	logger   *slog.Logger
	resolver *expressions.Resolver
	mw       *middleware
	pool     *passPool

	mu            sync.Mutex
	definitions   map[string]*schema.WorkflowDefinition // "id@version"
	bodies        map[string]StepBody
	bodyResolvers []BodyResolver
	pending       []*schema.WorkflowEvent
	subscriptions map[string]map[string]bool // event name|key -> instance IDs

	locks sync.Map // instanceID -> *sync.Mutex
}

// New creates a Host backed by the given store.
func New(st store.Store, logger *slog.Logger, workers int) *Host {
	resolver := expressions.NewResolver()
	return &Host{
		store:         st,
		logger:        logger,
		resolver:      resolver,
		mw:            newMiddleware(resolver, logger),
		pool:          newPassPool(workers),
		definitions:   make(map[string]*schema.WorkflowDefinition),
		bodies:        make(map[string]StepBody),
		subscriptions: make(map[string]map[string]bool),
	}
}

// Resolver exposes the host's expression resolver for callers that bind
// values outside step execution.
func (h *Host) Resolver() *expressions.Resolver { return h.resolver }

// --- Definition registry ---

// RegisterDefinition makes a definition version executable.
func (h *Host) RegisterDefinition(def *schema.WorkflowDefinition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.definitions[defKey(def.ID, def.Version)] = def
}

// DeregisterDefinition removes a definition version from the registry.
func (h *Host) DeregisterDefinition(id string, version int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.definitions, defKey(id, version))
}

// IsRegistered reports whether a definition version is executable.
func (h *Host) IsRegistered(id string, version int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.definitions[defKey(id, version)]
	return ok
}

// RegisteredDefinitions snapshots every currently executable definition
// version.
func (h *Host) RegisteredDefinitions() []*schema.WorkflowDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*schema.WorkflowDefinition, 0, len(h.definitions))
	for _, def := range h.definitions {
		out = append(out, def)
	}
	return out
}

func (h *Host) definition(id string, version int) (*schema.WorkflowDefinition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	def, ok := h.definitions[defKey(id, version)]
	return def, ok
}

// RegisterStepBody binds a builtin step type to its body.
func (h *Host) RegisterStepBody(stepType string, body StepBody) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies[stepType] = body
}

// AddBodyResolver appends a fallback body source, consulted after
// primitives and registered builtins. Module descriptors plug in here.
func (h *Host) AddBodyResolver(r BodyResolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodyResolvers = append(h.bodyResolvers, r)
}

func (h *Host) resolveBody(stepType string) (StepBody, bool) {
	if body, ok := primitiveBody(stepType); ok {
		return body, true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if body, ok := h.bodies[stepType]; ok {
		return body, true
	}
	for _, r := range h.bodyResolvers {
		if body, ok := r.ResolveBody(stepType); ok {
			return body, true
		}
	}
	return nil, false
}

// --- Lifecycle operations ---

// StartWorkflow creates and schedules a new instance of a registered
// definition version. Returns the instance ID.
func (h *Host) StartWorkflow(ctx context.Context, defID string, version int, opts StartOptions) (string, error) {
	def, ok := h.definition(defID, version)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound,
			"definition %s version %d is not registered", defID, version)
	}
	first := def.FirstStep()
	if first == nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"definition %s has no steps", defID)
	}

	doc := state.New()
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	doc.SetCorrelation(traceID, opts.ServiceID, opts.UserID, opts.InstitutionID)
	for k, v := range opts.Seed {
		doc.Set(k, state.Render(v))
	}

	inst := &schema.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: defID,
		Version:      version,
		Status:       schema.InstanceStatusRunnable,
		Reference:    opts.Reference,
		CreateTime:   time.Now().UTC(),
		State:        doc.Map(),
		Pointers: []*schema.ExecutionPointer{{
			ID:     uuid.NewString(),
			StepID: first.ID,
			Status: schema.PointerStatusPending,
			Active: true,
		}},
	}
	if err := h.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	_ = h.store.AppendEvent(ctx, &store.ExecutionEvent{
		InstanceID: inst.ID, Type: store.EventInstanceStarted,
	})
	h.schedulePass(inst.ID)
	return inst.ID, nil
}

// GetInstance returns the persisted instance.
func (h *Host) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	return h.store.GetInstance(ctx, id)
}

// SuspendInstance pauses a runnable instance.
func (h *Host) SuspendInstance(ctx context.Context, id string) error {
	return h.withInstance(ctx, id, func(inst *schema.WorkflowInstance) error {
		return transitionInstance(ctx, h.store, inst, schema.InstanceStatusSuspended)
	})
}

// ResumeInstance reactivates a suspended instance and schedules a pass.
func (h *Host) ResumeInstance(ctx context.Context, id string) error {
	err := h.withInstance(ctx, id, func(inst *schema.WorkflowInstance) error {
		return transitionInstance(ctx, h.store, inst, schema.InstanceStatusRunnable)
	})
	if err != nil {
		return err
	}
	h.schedulePass(id)
	return nil
}

// TerminateInstance cancels all live pointers and marks the instance
// terminated. Idempotent on already-terminal instances.
func (h *Host) TerminateInstance(ctx context.Context, id string) error {
	return h.withInstance(ctx, id, func(inst *schema.WorkflowInstance) error {
		if inst.Complete() {
			return nil
		}
		for _, p := range inst.Pointers {
			if !terminalPointer(p.Status) {
				if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusCancelled); err != nil {
					return err
				}
				p.Active = false
			}
		}
		now := time.Now().UTC()
		inst.CompleteTime = &now
		h.dropSubscriptions(inst.ID)
		return transitionInstance(ctx, h.store, inst, schema.InstanceStatusTerminated)
	})
}

// withInstance runs fn under the instance lock and persists the result.
func (h *Host) withInstance(ctx context.Context, id string, fn func(*schema.WorkflowInstance) error) error {
	mu := h.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	inst, err := h.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(inst); err != nil {
		return err
	}
	return h.store.UpdateInstance(ctx, inst)
}

// --- Events ---

// PublishEvent delivers an event into the host: waiting pointers matching
// (name, key) are resumed; unmatched events are retained for late waiters.
func (h *Host) PublishEvent(ctx context.Context, name, key string, payload json.RawMessage) error {
	event := &schema.WorkflowEvent{Name: name, Key: key, Payload: payload, Time: time.Now().UTC()}

	h.mu.Lock()
	h.pending = append(h.pending, event)
	if len(h.pending) > maxRetainedEvents {
		h.pending = h.pending[len(h.pending)-maxRetainedEvents:]
	}
	var targets []string
	for id := range h.subscriptions[subKey(name, key)] {
		targets = append(targets, id)
	}
	h.mu.Unlock()

	for _, id := range targets {
		h.schedulePass(id)
	}
	return nil
}

// Restore rebuilds in-memory wait subscriptions and wake timers from
// persisted instances. Called once at startup.
func (h *Host) Restore(ctx context.Context) error {
	instances, err := h.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []schema.InstanceStatus{schema.InstanceStatusRunnable, schema.InstanceStatusSuspended},
	})
	if err != nil {
		return err
	}
	for _, inst := range instances {
		for _, p := range inst.Pointers {
			if p.Status == schema.PointerStatusWaitingForEvent {
				h.subscribe(inst.ID, p.EventName, p.EventKey)
			}
		}
		h.schedulePass(inst.ID)
	}
	return nil
}

// Shutdown drains the worker pool.
func (h *Host) Shutdown() {
	h.pool.Shutdown()
}

// WaitIdle blocks until all scheduled passes finish. Test helper.
func (h *Host) WaitIdle() {
	h.pool.Wait()
}

// --- Execution ---

func (h *Host) schedulePass(instanceID string) {
	err := h.pool.Submit(context.Background(), func(ctx context.Context) error {
		return h.runPass(ctx, instanceID)
	})
	if err != nil && err != errPoolClosed {
		h.logger.Error("cannot schedule pass", "instance_id", instanceID, "error", err)
	}
}

// runPass drives one instance forward until no pointer can make progress,
// then persists the result. All state mutation happens under the
// per-instance lock.
func (h *Host) runPass(ctx context.Context, instanceID string) error {
	mu := h.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		h.logger.Error("pass aborted", "instance_id", instanceID, "error", err)
		return err
	}
	if inst.Complete() {
		return nil
	}

	ctx = logging.WithIDs(ctx, traceOf(inst), inst.ID, "")
	def, ok := h.definition(inst.DefinitionID, inst.Version)
	if !ok {
		h.logger.WarnContext(ctx, "pass skipped: definition not registered",
			"definition_id", inst.DefinitionID, "version", inst.Version)
		return nil
	}

	doc := state.FromMap(inst.State)

	progressed := true
	for progressed && !inst.Complete() {
		progressed = false
		woken := h.deliverEvents(ctx, inst)
		woken = h.wakeSleepers(ctx, inst) || woken
		woken = h.cancelByCondition(ctx, inst, def, doc) || woken
		woken = h.promoteComposites(ctx, inst) || woken
		if woken {
			progressed = true
			// A parked instance that regained a runnable pointer resumes.
			if inst.Status == schema.InstanceStatusSuspended {
				if err := transitionInstance(ctx, h.store, inst, schema.InstanceStatusRunnable); err != nil {
					h.logger.ErrorContext(ctx, "instance resume transition", "error", err)
				}
			}
		}

		for _, p := range inst.Pointers {
			if p.Status != schema.PointerStatusPending || !p.Active {
				continue
			}
			if inst.Status == schema.InstanceStatusSuspended {
				continue
			}
			h.executePointer(ctx, inst, def, doc, p)
			progressed = true
			break // pointer set may have changed; rescan
		}
	}

	h.settleInstanceStatus(ctx, inst)
	inst.State = doc.Map()
	if err := h.store.UpdateInstance(ctx, inst); err != nil {
		h.logger.ErrorContext(ctx, "cannot persist instance", "error", err)
		return err
	}
	h.scheduleWake(inst)
	return nil
}

// executePointer runs one step activation and applies its result.
func (h *Host) executePointer(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition, doc *state.Document, p *schema.ExecutionPointer) {
	ctx = logging.WithStepID(ctx, p.StepID)

	step := def.FindStep(p.StepID)
	if step == nil {
		h.failPointer(ctx, inst, p, schema.NewErrorf(schema.ErrCodeExecution,
			"step %s not found in definition", p.StepID))
		return
	}
	body, ok := h.resolveBody(step.StepType)
	if !ok {
		h.failPointer(ctx, inst, p, schema.NewErrorf(schema.ErrCodeExecution,
			"no body for step type %q", step.StepType).WithStep(step.ID))
		return
	}

	if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusRunning); err != nil {
		h.logger.ErrorContext(ctx, "pointer transition failed", "error", err)
		return
	}
	if p.StartTime == nil {
		now := time.Now().UTC()
		p.StartTime = &now
	}

	sc := &StepContext{
		Instance: inst,
		Pointer:  p,
		Step:     step,
		State:    doc,
		Resolver: h.resolver,
		Item:     p.ContextItem,
		Logger:   h.logger,
	}

	res, err := h.mw.execute(ctx, sc, body)
	if err != nil {
		h.failPointer(ctx, inst, p, err)
		return
	}

	switch {
	case res.SleepUntil != nil:
		p.SleepUntil = res.SleepUntil
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusSleeping); err != nil {
			h.failPointer(ctx, inst, p, err)
		}

	case res.EventName != "":
		p.EventName = res.EventName
		p.EventKey = res.EventKey
		p.EventPublished = false
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusWaitingForEvent); err != nil {
			h.failPointer(ctx, inst, p, err)
			return
		}
		h.subscribe(inst.ID, p.EventName, p.EventKey)

	case len(res.Branches) > 0:
		h.fanOut(ctx, inst, p, res.Branches)

	case res.Proceed:
		now := time.Now().UTC()
		p.EndTime = &now
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusComplete); err != nil {
			h.failPointer(ctx, inst, p, err)
			return
		}
		h.scheduleSuccessor(ctx, inst, def, doc, p, step)

	default:
		h.failPointer(ctx, inst, p, schema.NewErrorf(schema.ErrCodeExecution,
			"step body returned an empty result").WithStep(step.ID))
	}
}

// fanOut spawns one child pointer per branch sequence and parks the
// composite pointer behind them, persisting the control marker.
func (h *Host) fanOut(ctx context.Context, inst *schema.WorkflowInstance, p *schema.ExecutionPointer, branches []BranchActivation) {
	var childIDs []string
	for _, branch := range branches {
		if len(branch.Steps) == 0 {
			continue
		}
		child := &schema.ExecutionPointer{
			ID:          uuid.NewString(),
			StepID:      branch.Steps[0].ID,
			Status:      schema.PointerStatusPending,
			Active:      true,
			ParentID:    p.ID,
			ContextItem: branch.Item,
		}
		inst.Pointers = append(inst.Pointers, child)
		childIDs = append(childIDs, child.ID)
	}
	p.Children = append(p.Children, childIDs...)
	p.Control = &schema.BranchControl{ChildrenActive: childIDs}
	if len(childIDs) == 0 {
		p.Control.ChildrenActive = []string{}
	}
	if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusPendingPredecessor); err != nil {
		h.failPointer(ctx, inst, p, err)
	}
}

// scheduleSuccessor creates the pointer for the next step in the chain:
// the first satisfied SelectNextStep condition wins, falling back to
// NextStepID. The successor inherits scope and loop item.
func (h *Host) scheduleSuccessor(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition, doc *state.Document, p *schema.ExecutionPointer, step *schema.StepDefinition) {
	nextID := ""
	if len(step.SelectNextStep) > 0 {
		for _, candidate := range sortedKeys(step.SelectNextStep) {
			ok, err := h.resolver.ResolveCondition(step.SelectNextStep[candidate], doc, p.ContextItem)
			if err != nil {
				h.failPointer(ctx, inst, p, err)
				return
			}
			if ok {
				nextID = candidate
				break
			}
		}
	}
	if nextID == "" {
		nextID = step.NextStepID
	}
	if nextID == "" {
		return // end of chain
	}

	inst.Pointers = append(inst.Pointers, &schema.ExecutionPointer{
		ID:            uuid.NewString(),
		StepID:        nextID,
		Status:        schema.PointerStatusPending,
		Active:        true,
		PredecessorID: p.ID,
		ParentID:      p.ParentID,
		ContextItem:   p.ContextItem,
	})
}

// failPointer records the error, fails the pointer, and terminates the
// instance: faults are not retried inside the host, redelivery happens at
// the queue layer.
func (h *Host) failPointer(ctx context.Context, inst *schema.WorkflowInstance, p *schema.ExecutionPointer, err error) {
	h.logger.ErrorContext(ctx, "step failed", "step_id", p.StepID, "error", err)
	inst.Errors = append(inst.Errors, schema.ExecutionError{
		PointerID: p.ID,
		Code:      schema.CodeOf(err),
		Message:   err.Error(),
		Time:      time.Now().UTC(),
	})
	if !terminalPointer(p.Status) {
		if terr := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusFailed); terr != nil {
			h.logger.ErrorContext(ctx, "pointer fail transition", "error", terr)
		}
	}
	p.Active = false

	for _, other := range inst.Pointers {
		if other.ID != p.ID && !terminalPointer(other.Status) {
			_ = transitionPointer(ctx, h.store, inst.ID, other, schema.PointerStatusCancelled)
			other.Active = false
		}
	}
	now := time.Now().UTC()
	inst.CompleteTime = &now
	h.dropSubscriptions(inst.ID)
	if terr := transitionInstance(ctx, h.store, inst, schema.InstanceStatusTerminated); terr != nil {
		h.logger.ErrorContext(ctx, "instance terminate transition", "error", terr)
	}
}

// deliverEvents matches retained events against waiting pointers.
func (h *Host) deliverEvents(ctx context.Context, inst *schema.WorkflowInstance) bool {
	delivered := false
	for _, p := range inst.Pointers {
		if p.Status != schema.PointerStatusWaitingForEvent || p.EventPublished {
			continue
		}
		event := h.claimEvent(p.EventName, p.EventKey)
		if event == nil {
			continue
		}
		var data any
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &data); err != nil {
				data = string(event.Payload)
			}
		}
		p.EventData = data
		p.EventPublished = true
		h.unsubscribe(inst.ID, p.EventName, p.EventKey)
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusPending); err != nil {
			h.logger.ErrorContext(ctx, "event wake failed", "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

// wakeSleepers moves expired sleeping pointers back to pending.
func (h *Host) wakeSleepers(ctx context.Context, inst *schema.WorkflowInstance) bool {
	woke := false
	now := time.Now()
	for _, p := range inst.Pointers {
		if p.Status != schema.PointerStatusSleeping || p.SleepUntil == nil {
			continue
		}
		if now.Before(*p.SleepUntil) {
			continue
		}
		p.SleepUntil = nil
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusPending); err != nil {
			h.logger.ErrorContext(ctx, "sleep wake failed", "error", err)
			continue
		}
		woke = true
	}
	return woke
}

// cancelByCondition cancels live pointers whose step declares a cancel
// condition that currently holds. Parked pointers (sleeping, waiting for
// an event) are the usual targets; a condition that fails to evaluate is
// logged and skipped rather than failing the pointer.
func (h *Host) cancelByCondition(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition, doc *state.Document) bool {
	cancelled := false
	for _, p := range inst.Pointers {
		if terminalPointer(p.Status) || p.Status == schema.PointerStatusRunning {
			continue
		}
		step := def.FindStep(p.StepID)
		if step == nil || step.CancelCondition == "" {
			continue
		}
		ok, err := h.resolver.ResolveCondition(step.CancelCondition, doc, p.ContextItem)
		if err != nil {
			h.logger.WarnContext(ctx, "cancel condition evaluation failed",
				"step_id", p.StepID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if p.Status == schema.PointerStatusWaitingForEvent {
			h.unsubscribe(inst.ID, p.EventName, p.EventKey)
		}
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusCancelled); err != nil {
			h.logger.ErrorContext(ctx, "pointer cancel transition", "error", err)
			continue
		}
		p.Active = false
		cancelled = true
	}
	return cancelled
}

// promoteComposites re-activates fanned-out composite pointers whose
// children (including spawned successors) have all settled.
func (h *Host) promoteComposites(ctx context.Context, inst *schema.WorkflowInstance) bool {
	promoted := false
	for _, p := range inst.Pointers {
		if p.Status != schema.PointerStatusPendingPredecessor || !p.Control.FannedOut() {
			continue
		}
		if h.scopeActive(inst, p.ID) {
			continue
		}
		if err := transitionPointer(ctx, h.store, inst.ID, p, schema.PointerStatusPending); err != nil {
			h.logger.ErrorContext(ctx, "composite wake failed", "error", err)
			continue
		}
		promoted = true
	}
	return promoted
}

// scopeActive reports whether any pointer inside the composite's scope is
// still live.
func (h *Host) scopeActive(inst *schema.WorkflowInstance, parentID string) bool {
	for _, p := range inst.Pointers {
		if p.ParentID == parentID && !terminalPointer(p.Status) {
			return true
		}
	}
	return false
}

// settleInstanceStatus derives the instance status once no pointer can
// make progress.
func (h *Host) settleInstanceStatus(ctx context.Context, inst *schema.WorkflowInstance) {
	if inst.Complete() {
		return
	}
	allTerminal := true
	anyParked := false
	for _, p := range inst.Pointers {
		switch p.Status {
		case schema.PointerStatusComplete, schema.PointerStatusFailed, schema.PointerStatusCancelled:
		case schema.PointerStatusSleeping, schema.PointerStatusWaitingForEvent, schema.PointerStatusPendingPredecessor:
			allTerminal = false
			anyParked = true
		default:
			allTerminal = false
		}
	}

	switch {
	case allTerminal:
		now := time.Now().UTC()
		inst.CompleteTime = &now
		if err := transitionInstance(ctx, h.store, inst, schema.InstanceStatusComplete); err != nil {
			h.logger.ErrorContext(ctx, "instance complete transition", "error", err)
		}
	case anyParked && inst.Status == schema.InstanceStatusRunnable:
		if err := transitionInstance(ctx, h.store, inst, schema.InstanceStatusSuspended); err != nil {
			h.logger.ErrorContext(ctx, "instance suspend transition", "error", err)
		}
	}
}

// scheduleWake arms a timer for the earliest sleeping pointer.
func (h *Host) scheduleWake(inst *schema.WorkflowInstance) {
	var earliest *time.Time
	for _, p := range inst.Pointers {
		if p.Status == schema.PointerStatusSleeping && p.SleepUntil != nil {
			if earliest == nil || p.SleepUntil.Before(*earliest) {
				earliest = p.SleepUntil
			}
		}
	}
	if earliest == nil {
		return
	}
	id := inst.ID
	delay := time.Until(*earliest)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		mu := h.lockFor(id)
		mu.Lock()
		fresh, err := h.store.GetInstance(context.Background(), id)
		mu.Unlock()
		if err != nil || fresh.Complete() {
			return
		}
		// Waking a sleep transitions the instance back to runnable.
		if fresh.Status == schema.InstanceStatusSuspended {
			_ = h.withInstance(context.Background(), id, func(i *schema.WorkflowInstance) error {
				if i.Status == schema.InstanceStatusSuspended {
					return transitionInstance(context.Background(), h.store, i, schema.InstanceStatusRunnable)
				}
				return nil
			})
		}
		h.schedulePass(id)
	})
}

// --- Event subscriptions ---

func (h *Host) subscribe(instanceID, name, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := subKey(name, key)
	if h.subscriptions[k] == nil {
		h.subscriptions[k] = make(map[string]bool)
	}
	h.subscriptions[k][instanceID] = true
}

func (h *Host) unsubscribe(instanceID, name, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscriptions[subKey(name, key)], instanceID)
}

func (h *Host) dropSubscriptions(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subscriptions {
		delete(subs, instanceID)
	}
}

// claimEvent removes and returns a retained event matching (name, key).
func (h *Host) claimEvent(name, key string) *schema.WorkflowEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.pending {
		if e.Name == name && e.Key == key {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return e
		}
	}
	return nil
}

// --- Helpers ---

func (h *Host) lockFor(instanceID string) *sync.Mutex {
	mu, _ := h.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func defKey(id string, version int) string {
	return id + "@" + strconv.Itoa(version)
}

func subKey(name, key string) string {
	return name + "|" + key
}

func terminalPointer(s schema.PointerStatus) bool {
	return s == schema.PointerStatusComplete || s == schema.PointerStatusFailed || s == schema.PointerStatusCancelled
}

func traceOf(inst *schema.WorkflowInstance) string {
	if v, ok := inst.State[state.KeyTraceID].(string); ok {
		return v
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

