// Package runner drives the queue-facing side of the orchestrator: it
// consumes module registrations, relays module responses and events into
// the host, keeps the node in sync with control-topic broadcasts, and
// starts event-triggered workflow runs.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepmesh/stepmesh/internal/definition"
	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/logging"
	"github.com/stepmesh/stepmesh/internal/modules"
	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

const (
	// pollWait bounds each dequeue so loops notice shutdown promptly.
	pollWait = 50 * time.Millisecond

	// resubscribeInterval forces a periodic listener reconciliation even
	// when no control message arrives.
	resubscribeInterval = 150 * time.Second
)

// Runner owns the consumption loops. Create with New, then Start once.
type Runner struct {
	broker    queue.Broker
	store     store.Store
	host      *host.Host
	registry  *modules.Registry
	generator *modules.Generator
	defs      *definition.Service
	logger    *slog.Logger

	nodeID string

	mu        sync.Mutex
	listeners map[string]context.CancelFunc // module key -> stop
	kick      chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner.
func New(broker queue.Broker, st store.Store, h *host.Host, registry *modules.Registry, generator *modules.Generator, defs *definition.Service, logger *slog.Logger) *Runner {
	return &Runner{
		broker:    broker,
		store:     st,
		host:      h,
		registry:  registry,
		generator: generator,
		defs:      defs,
		logger:    logger,
		nodeID:    uuid.NewString(),
		listeners: make(map[string]context.CancelFunc),
		kick:      make(chan struct{}, 1),
	}
}

// Start declares the control queues and launches the consumption loops.
func (r *Runner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	moduleQueue := schema.TopicModuleCreated + "." + r.nodeID
	defQueue := schema.TopicDefinitionCreated + "." + r.nodeID

	for _, q := range []string{schema.QueueModuleRegistration, moduleQueue, defQueue} {
		if err := r.broker.Declare(ctx, q); err != nil {
			return err
		}
	}
	if err := r.broker.BindTopic(ctx, schema.TopicModuleCreated, moduleQueue); err != nil {
		return err
	}
	if err := r.broker.BindTopic(ctx, schema.TopicDefinitionCreated, defQueue); err != nil {
		return err
	}

	r.consume(ctx, schema.QueueModuleRegistration, r.handleRegistration)
	r.consume(ctx, moduleQueue, r.handleModuleCreated)
	r.consume(ctx, defQueue, r.handleDefinitionCreated)

	r.wg.Add(1)
	go r.manageListeners(ctx)

	r.reconcileListeners(ctx)
	return nil
}

// Stop halts all loops and waits for them to drain.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// consume runs a dequeue-handle-ack loop for one queue. Handler failures
// leave the message leased so the broker redelivers it.
func (r *Runner) consume(ctx context.Context, queueName string, handle func(context.Context, *queue.Message) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			msg, err := r.broker.Dequeue(ctx, queueName, pollWait)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("dequeue failed", "queue", queueName, "error", err)
				time.Sleep(pollWait)
				continue
			}
			if msg == nil {
				continue
			}
			if err := handle(ctx, msg); err != nil {
				r.logger.Error("message handling failed",
					"queue", queueName, "message_id", msg.ID,
					"delivery_count", msg.DeliveryCount, "error", err)
				continue
			}
			if err := r.broker.Ack(ctx, queueName, msg.ID); err != nil {
				r.logger.Error("ack failed", "queue", queueName, "message_id", msg.ID, "error", err)
			}
		}
	}()
}

// handleRegistration runs the module registration pipeline.
func (r *Runner) handleRegistration(ctx context.Context, msg *queue.Message) error {
	var reg schema.ModuleRegistration
	if err := json.Unmarshal(msg.Body, &reg); err != nil {
		// A malformed registration never becomes valid: log and settle it.
		r.logger.Warn("discarding malformed registration", "error", err)
		return nil
	}
	if _, err := r.generator.Register(ctx, &reg); err != nil {
		if schema.CodeOf(err) == schema.ErrCodeDuplicateModule {
			// Redelivery of an already-applied registration.
			r.logger.Debug("registration already applied", "module", schema.ModuleKey(reg.Name, reg.Version))
			return nil
		}
		if schema.CodeOf(err) == schema.ErrCodeModuleBuild {
			r.logger.Warn("rejecting module registration", "module", reg.Name, "error", err)
			return nil
		}
		return err
	}
	r.kickListeners()
	return nil
}

// handleModuleCreated loads a module announced by a peer node.
func (r *Runner) handleModuleCreated(ctx context.Context, msg *queue.Message) error {
	var m schema.Module
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		r.logger.Warn("discarding malformed module announcement", "error", err)
		return nil
	}
	if _, loaded := r.registry.Module(m.Name, m.Version); loaded {
		r.kickListeners()
		return nil
	}
	descriptors, err := r.store.GetDescriptors(ctx, m.Name, m.Version)
	if err != nil {
		return err
	}
	if err := r.registry.Load(&m, descriptors); err != nil {
		r.logger.Warn("module load skipped", "module", m.Key(), "error", err)
		return nil
	}
	r.defs.RefreshComponents()
	r.kickListeners()
	return nil
}

// handleDefinitionCreated registers a definition version announced by a
// peer node.
func (r *Runner) handleDefinitionCreated(ctx context.Context, msg *queue.Message) error {
	var ann definition.CreatedAnnouncement
	if err := json.Unmarshal(msg.Body, &ann); err != nil {
		r.logger.Warn("discarding malformed definition announcement", "error", err)
		return nil
	}
	def, err := r.store.GetDefinition(ctx, ann.ID, ann.Version)
	if err != nil {
		return err
	}
	if def.Status == schema.WorkflowStatusRunning {
		r.host.RegisterDefinition(def)
	}
	return nil
}

// kickListeners asks the manager to reconcile now.
func (r *Runner) kickListeners() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// manageListeners keeps one response listener and one event listener per
// loaded module, tearing listeners down when a module unloads and
// rebuilding them on a fixed cadence.
func (r *Runner) manageListeners(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(resubscribeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.reconcileListeners(ctx)
	}
}

func (r *Runner) reconcileListeners(ctx context.Context) {
	loaded := make(map[string]*schema.Module)
	for _, m := range r.registry.List() {
		loaded[m.Key()] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, stop := range r.listeners {
		if _, ok := loaded[key]; !ok {
			stop()
			delete(r.listeners, key)
		}
	}
	for key, m := range loaded {
		if _, ok := r.listeners[key]; ok {
			continue
		}
		lctx, cancel := context.WithCancel(ctx)
		r.listeners[key] = cancel
		r.consume(lctx, m.Queues.Response, r.responseHandler(m))
		r.consume(lctx, m.Queues.Event, r.eventHandler(m))
		r.logger.Info("module listeners attached", "module", key,
			"response_queue", m.Queues.Response, "event_queue", m.Queues.Event)
	}
}

// responseHandler relays a component response into the host, keyed by job
// ID on both axes.
func (r *Runner) responseHandler(m *schema.Module) func(context.Context, *queue.Message) error {
	return func(ctx context.Context, msg *queue.Message) error {
		var env schema.Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			r.logger.Warn("discarding malformed response", "module", m.Key(), "error", err)
			return nil
		}
		if env.JobID == "" {
			r.logger.Warn("discarding response without job id", "module", m.Key())
			return nil
		}
		ctx = logging.WithTraceID(logging.WithModule(ctx, m.ArtifactName), env.TraceID)
		r.logger.DebugContext(ctx, "module response", "job_id", env.JobID)
		return r.host.PublishEvent(ctx, env.JobID, env.JobID, env.Payload)
	}
}

// eventHandler relays a module-emitted event into the host and starts an
// instance of every running definition whose entry step waits on it.
func (r *Runner) eventHandler(m *schema.Module) func(context.Context, *queue.Message) error {
	return func(ctx context.Context, msg *queue.Message) error {
		var env schema.Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			r.logger.Warn("discarding malformed event", "module", m.Key(), "error", err)
			return nil
		}
		if env.Command == "" {
			r.logger.Warn("discarding event without a command", "module", m.Key())
			return nil
		}
		ctx = logging.WithTraceID(logging.WithModule(ctx, m.ArtifactName), env.TraceID)

		if err := r.host.PublishEvent(ctx, env.Command, m.Name, env.Payload); err != nil {
			return err
		}
		r.startTriggeredRuns(ctx, &env)
		return nil
	}
}

// startTriggeredRuns launches one instance per registered definition whose
// entry step is the emitted event, with the entry step's output pre-seeded
// from the event payload.
func (r *Runner) startTriggeredRuns(ctx context.Context, env *schema.Envelope) {
	desc, ok := r.registry.Descriptor(env.Command)
	if !ok || desc.Kind != schema.DescriptorKindEvent {
		return
	}

	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.logger.WarnContext(ctx, "event payload not seedable", "event", env.Command, "error", err)
			return
		}
	}

	for _, def := range r.host.RegisteredDefinitions() {
		first := def.FirstStep()
		if first == nil || first.StepType != env.Command {
			continue
		}
		id, err := r.host.StartWorkflow(ctx, def.ID, def.Version, host.StartOptions{
			TraceID:       env.TraceID,
			ServiceID:     env.ServiceID,
			UserID:        env.UserID,
			InstitutionID: env.InstitutionID,
			Seed: map[string]any{
				state.OutKey(first.ID, desc.OutputProperty): payload,
			},
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "event-triggered start failed",
				"definition_id", def.ID, "version", def.Version, "error", err)
			continue
		}
		r.logger.InfoContext(ctx, "event-triggered run started",
			"definition_id", def.ID, "version", def.Version, "instance_id", id, "event", env.Command)
	}
}
