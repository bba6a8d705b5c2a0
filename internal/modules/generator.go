package modules

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stepmesh/stepmesh/internal/logging"
	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/store"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Generator turns module registrations into persisted modules with step
// descriptors, loads them into the registry, and announces them on the
// module-created topic.
type Generator struct {
	store    store.Store
	registry *Registry
	broker   queue.Broker
	logger   *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(st store.Store, registry *Registry, broker queue.Broker, logger *slog.Logger) *Generator {
	return &Generator{store: st, registry: registry, broker: broker, logger: logger}
}

// Register builds, persists, loads, and announces a module from its
// registration payload. Re-registering a live artifact name is rejected
// with DUPLICATE_MODULE even when the content hash matches; the module has
// to be deprecated first.
func (g *Generator) Register(ctx context.Context, reg *schema.ModuleRegistration) (*schema.Module, error) {
	if err := validateRegistration(reg); err != nil {
		return nil, err
	}

	ctx = logging.WithModule(ctx, schema.ArtifactNameFor(reg.Name, reg.Version))

	descriptors, err := buildDescriptors(reg)
	if err != nil {
		return nil, err
	}

	module := &schema.Module{
		ID:           uuid.NewString(),
		Name:         reg.Name,
		Version:      reg.Version,
		ArtifactName: schema.ArtifactNameFor(reg.Name, reg.Version),
		Hash:         registrationHash(reg),
		Queues:       reg.Queues,
		Created:      time.Now().UTC(),
	}

	if err := g.store.CreateModule(ctx, module, descriptors); err != nil {
		return nil, err
	}
	if err := g.registry.Load(module, descriptors); err != nil {
		return nil, err
	}

	if g.broker != nil {
		raw, err := json.Marshal(module)
		if err == nil {
			err = g.broker.Publish(ctx, schema.TopicModuleCreated, raw)
		}
		if err != nil {
			// The module is persisted; peers pick it up on their next
			// store sync even if the broadcast is lost.
			g.logger.WarnContext(ctx, "module broadcast failed", "error", err)
		}
	}

	g.logger.InfoContext(ctx, "module registered",
		"components", len(reg.Components), "events", len(reg.Events))
	return module, nil
}

// Deprecate retires a module version: it is removed from the registry and
// its artifact name is freed for re-registration.
func (g *Generator) Deprecate(ctx context.Context, name, version string) error {
	if err := g.store.DeprecateModule(ctx, name, version); err != nil {
		return err
	}
	g.registry.Unload(name, version)
	g.logger.InfoContext(ctx, "module deprecated", "module", schema.ModuleKey(name, version))
	return nil
}

// LoadAll loads every non-deprecated persisted module into the registry.
// Called once at startup.
func (g *Generator) LoadAll(ctx context.Context) error {
	mods, err := g.store.ListModules(ctx, false)
	if err != nil {
		return err
	}
	for _, m := range mods {
		descriptors, err := g.store.GetDescriptors(ctx, m.Name, m.Version)
		if err != nil {
			return err
		}
		if err := g.registry.Load(m, descriptors); err != nil {
			g.logger.WarnContext(ctx, "module skipped on load", "module", m.Key(), "error", err)
		}
	}
	return nil
}

func validateRegistration(reg *schema.ModuleRegistration) error {
	if reg.Name == "" || reg.Version == "" {
		return schema.NewError(schema.ErrCodeModuleBuild,
			"module registration requires a name and a version")
	}
	if reg.Queues.Request == "" || reg.Queues.Response == "" || reg.Queues.Event == "" {
		return schema.NewErrorf(schema.ErrCodeModuleBuild,
			"module %s must declare request, response, and event queues", reg.Name)
	}
	if len(reg.Components) == 0 && len(reg.Events) == 0 {
		return schema.NewErrorf(schema.ErrCodeModuleBuild,
			"module %s declares no components or events", reg.Name)
	}
	return nil
}

// buildDescriptors compiles the declared schemas and produces one step
// descriptor per component and event. Members whose schemas declare no
// properties have nothing to bind and are skipped, not rejected.
func buildDescriptors(reg *schema.ModuleRegistration) ([]*schema.StepDescriptor, error) {
	descriptors := make([]*schema.StepDescriptor, 0, len(reg.Components)+len(reg.Events))

	for _, c := range reg.Components {
		if c.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeModuleBuild,
				"module %s has a component without a name", reg.Name)
		}
		if err := compileSchema(c.InputSchema); err != nil {
			return nil, schemaErr(reg.Name, c.Name, "input", err)
		}
		if err := compileSchema(c.OutputSchema); err != nil {
			return nil, schemaErr(reg.Name, c.Name, "output", err)
		}
		if len(schemaPropertyTypes(c.InputSchema)) == 0 || len(schemaPropertyTypes(c.OutputSchema)) == 0 {
			continue
		}
		descriptors = append(descriptors, &schema.StepDescriptor{
			Kind:           schema.DescriptorKindComponent,
			StepType:       reg.Name + "." + c.Name,
			ModuleName:     reg.Name,
			Command:        c.Name,
			RequestQueue:   reg.Queues.Request,
			InputSchema:    c.InputSchema,
			OutputSchema:   c.OutputSchema,
			OutputProperty: outputProperty(c.OutputSchema),
		})
	}

	for _, e := range reg.Events {
		if e.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeModuleBuild,
				"module %s has an event without a name", reg.Name)
		}
		if err := compileSchema(e.OutputSchema); err != nil {
			return nil, schemaErr(reg.Name, e.Name, "output", err)
		}
		if len(schemaPropertyTypes(e.OutputSchema)) == 0 {
			continue
		}
		descriptors = append(descriptors, &schema.StepDescriptor{
			Kind:           schema.DescriptorKindEvent,
			StepType:       e.Name,
			ModuleName:     reg.Name,
			Command:        e.Name,
			OutputSchema:   e.OutputSchema,
			OutputProperty: outputProperty(e.OutputSchema),
		})
	}
	return descriptors, nil
}

// compileSchema verifies that a declared schema is a valid JSON Schema
// document. Empty schemas are allowed and skipped.
func compileSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("registration://schema.json", doc); err != nil {
		return err
	}
	_, err = compiler.Compile("registration://schema.json")
	return err
}

func schemaErr(moduleName, member, side string, err error) error {
	return schema.NewErrorf(schema.ErrCodeModuleBuild,
		"module %s: %s schema of %q does not compile: %s", moduleName, side, member, err.Error()).
		WithCause(err)
}

// outputProperty picks the state property responses bind to: the schema's
// single declared property when there is exactly one, "Result" otherwise.
func outputProperty(raw json.RawMessage) string {
	types := schemaPropertyTypes(raw)
	if len(types) == 1 {
		for name := range types {
			return name
		}
	}
	return "Result"
}

// registrationHash fingerprints the registration content so operators can
// tell whether a re-registration attempt carries new content.
func registrationHash(reg *schema.ModuleRegistration) string {
	var parts []string
	parts = append(parts, reg.Name, reg.Version,
		reg.Queues.Request, reg.Queues.Response, reg.Queues.Event)

	comps := make([]string, 0, len(reg.Components))
	for _, c := range reg.Components {
		comps = append(comps, c.Name+string(c.InputSchema)+string(c.OutputSchema))
	}
	parts = append(parts, strings.Join(comps, "@@@"))

	events := make([]string, 0, len(reg.Events))
	for _, e := range reg.Events {
		events = append(events, e.Name+string(e.OutputSchema))
	}
	parts = append(parts, strings.Join(events, "@@@"))

	sum := sha256.Sum256([]byte(strings.Join(parts, "@@")))
	return hex.EncodeToString(sum[:])
}
