package host

import (
	"context"
	"log/slog"

	"github.com/stepmesh/stepmesh/internal/expressions"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// InputTyper is optionally implemented by step bodies that know the schema
// type of their declared inputs; the middleware uses it to drive coercion.
type InputTyper interface {
	InputType(property string) string
}

// middleware wraps every step activation: it binds declared inputs before
// the body runs and captures outputs after it proceeds.
type middleware struct {
	resolver *expressions.Resolver
	logger   *slog.Logger
}

func newMiddleware(resolver *expressions.Resolver, logger *slog.Logger) *middleware {
	return &middleware{resolver: resolver, logger: logger}
}

// execute runs one step activation through the full bind / run / capture
// cycle. Binding failures surface as BINDING_ERROR and terminate the
// instance at the host level.
func (m *middleware) execute(ctx context.Context, sc *StepContext, body StepBody) (*ExecutionResult, error) {
	if err := m.bindInputs(sc, body); err != nil {
		return nil, err
	}

	res, err := body.Run(ctx, sc)
	if err != nil {
		return nil, err
	}

	if res.Proceed {
		m.captureOutputs(sc, res)
	}
	return res, nil
}

// bindInputs resolves the step's input expressions into sc.Inputs.
// Primitives bind only their fixed inputs; every other step binds each
// declared input and mirrors it under "$$<stepId>_<prop>_In".
func (m *middleware) bindInputs(sc *StepContext, body StepBody) error {
	sc.Inputs = make(map[string]any)

	if schema.IsPrimitive(sc.Step.StepType) {
		for _, name := range primitiveInputs(sc.Step.StepType) {
			expr, ok := sc.Step.Inputs[name]
			if !ok {
				return schema.NewErrorf(schema.ErrCodeBinding,
					"primitive %s is missing required input %q", sc.Step.StepType, name).
					WithStep(sc.Step.ID)
			}
			value, err := m.resolver.Resolve(expr, sc.State, sc.Item, primitiveInputType(name))
			if err != nil {
				return bindErr(err, sc.Step.ID, name)
			}
			sc.Inputs[name] = value
		}
		return nil
	}

	typer, _ := body.(InputTyper)
	for prop, expr := range sc.Step.Inputs {
		declared := ""
		if typer != nil {
			declared = typer.InputType(prop)
		}
		value, err := m.resolver.Resolve(expr, sc.State, sc.Item, declared)
		if err != nil {
			return bindErr(err, sc.Step.ID, prop)
		}
		sc.Inputs[prop] = value
		sc.State.Set(state.InKey(sc.Step.ID, prop), state.Render(value))
		setExtension(sc.Pointer, "$$"+prop+"_In", state.Render(value))
	}
	return nil
}

// captureOutputs writes the body's outputs into state and the pointer's
// extension attributes. A non-null value already stored under the step's
// out-key wins over the body's output: seeded event payloads and earlier
// activations of the same step are never overwritten.
func (m *middleware) captureOutputs(sc *StepContext, res *ExecutionResult) {
	for prop, value := range res.Outputs {
		outKey := state.OutKey(sc.Step.ID, prop)
		if existing, ok := sc.State.Get(outKey); ok && existing != nil {
			setExtension(sc.Pointer, "$$"+prop+"_Out", existing)
			continue
		}
		rendered := state.Render(value)
		sc.State.Set(outKey, rendered)
		setExtension(sc.Pointer, "$$"+prop+"_Out", rendered)
	}

	// Definition-level output mappings run after the body's own capture so
	// they can reference the freshly written out-keys.
	for destKey, expr := range sc.Step.Outputs {
		value, err := m.resolver.Resolve(expr, sc.State, sc.Item, "")
		if err != nil {
			m.logger.Warn("output mapping skipped",
				"step_id", sc.Step.ID, "dest", destKey, "error", err)
			continue
		}
		sc.State.Set(destKey, state.Render(value))
	}
}

func primitiveInputType(name string) string {
	switch name {
	case inputCondition, inputStopCondition:
		return "boolean"
	}
	return ""
}

func bindErr(err error, stepID, property string) error {
	if me, ok := err.(*schema.MeshError); ok {
		return me.WithStep(stepID)
	}
	return schema.NewErrorf(schema.ErrCodeBinding,
		"cannot bind input %q: %s", property, err.Error()).
		WithStep(stepID).WithCause(err)
}

func setExtension(p *schema.ExecutionPointer, key string, value any) {
	if p.ExtensionAttributes == nil {
		p.ExtensionAttributes = make(map[string]any)
	}
	p.ExtensionAttributes[key] = value
}
