package host

import (
	"context"
	"time"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Fixed input names bound for control-flow primitives.
const (
	inputCondition     = "condition"
	inputCollection    = "collection"
	inputInterval      = "interval"
	inputPeriod        = "period"
	inputStopCondition = "stopCondition"
)

// Pointer scratch keys used by multi-phase primitives.
const (
	attrSleepDone = "$sleep_done"
)

// primitiveBody returns the body for a control-flow primitive step type.
func primitiveBody(stepType string) (StepBody, bool) {
	switch stepType {
	case schema.StepTypeIf:
		return StepBodyFunc(runIf), true
	case schema.StepTypeWhile:
		return StepBodyFunc(runWhile), true
	case schema.StepTypeForeach:
		return StepBodyFunc(runForeach), true
	case schema.StepTypeDelay:
		return StepBodyFunc(runDelay), true
	case schema.StepTypeSchedule:
		return StepBodyFunc(runSchedule), true
	case schema.StepTypeRecur:
		return StepBodyFunc(runRecur), true
	}
	return nil, false
}

// primitiveInputs lists the fixed inputs a primitive binds, per step type.
func primitiveInputs(stepType string) []string {
	switch stepType {
	case schema.StepTypeIf, schema.StepTypeWhile:
		return []string{inputCondition}
	case schema.StepTypeForeach:
		return []string{inputCollection}
	case schema.StepTypeDelay:
		return []string{inputPeriod}
	case schema.StepTypeSchedule:
		return []string{inputInterval}
	case schema.StepTypeRecur:
		return []string{inputStopCondition, inputInterval}
	}
	return nil
}

func runIf(_ context.Context, sc *StepContext) (*ExecutionResult, error) {
	if sc.Pointer.Control.FannedOut() {
		return ResultNext(), nil
	}
	cond, err := boolInput(sc, inputCondition)
	if err != nil {
		return nil, err
	}
	if !cond {
		return ResultNext(), nil
	}
	return ResultBranch(branchesOf(sc.Step, sc.Item)...), nil
}

func runWhile(_ context.Context, sc *StepContext) (*ExecutionResult, error) {
	cond, err := boolInput(sc, inputCondition)
	if err != nil {
		return nil, err
	}
	if !cond {
		return ResultNext(), nil
	}
	// Fan out a fresh generation; the control marker is overwritten with
	// the new children.
	return ResultBranch(branchesOf(sc.Step, sc.Item)...), nil
}

func runForeach(_ context.Context, sc *StepContext) (*ExecutionResult, error) {
	if sc.Pointer.Control.FannedOut() {
		return ResultNext(), nil
	}
	collection, err := collectionInput(sc, inputCollection)
	if err != nil {
		return nil, err
	}
	var branches []BranchActivation
	for _, item := range collection {
		for _, seq := range sc.Step.Do {
			branches = append(branches, BranchActivation{Steps: seq, Item: item})
		}
	}
	if len(branches) == 0 {
		return ResultNext(), nil
	}
	return ResultBranch(branches...), nil
}

func runDelay(_ context.Context, sc *StepContext) (*ExecutionResult, error) {
	if scratchSet(sc.Pointer, attrSleepDone) {
		return ResultNext(), nil
	}
	period, err := durationInput(sc, inputPeriod)
	if err != nil {
		return nil, err
	}
	setScratch(sc.Pointer, attrSleepDone)
	return ResultSleep(time.Now().Add(period)), nil
}

func runSchedule(_ context.Context, sc *StepContext) (*ExecutionResult, error) {
	if sc.Pointer.Control.FannedOut() {
		return ResultNext(), nil
	}
	if !scratchSet(sc.Pointer, attrSleepDone) {
		interval, err := durationInput(sc, inputInterval)
		if err != nil {
			return nil, err
		}
		setScratch(sc.Pointer, attrSleepDone)
		return ResultSleep(time.Now().Add(interval)), nil
	}
	return ResultBranch(branchesOf(sc.Step, sc.Item)...), nil
}

func runRecur(_ context.Context, sc *StepContext) (*ExecutionResult, error) {
	// A completed generation clears the marker so the next one can spawn.
	if sc.Pointer.Control.FannedOut() {
		sc.Pointer.Control = nil
	}

	if scratchSet(sc.Pointer, attrSleepDone) {
		clearScratch(sc.Pointer, attrSleepDone)
		return ResultBranch(branchesOf(sc.Step, sc.Item)...), nil
	}

	stop, err := boolInput(sc, inputStopCondition)
	if err != nil {
		return nil, err
	}
	if stop {
		return ResultNext(), nil
	}
	interval, err := durationInput(sc, inputInterval)
	if err != nil {
		return nil, err
	}
	setScratch(sc.Pointer, attrSleepDone)
	return ResultSleep(time.Now().Add(interval)), nil
}

// branchesOf activates every Do sequence of a composite step. item is
// propagated so nested loops keep their binding.
func branchesOf(step *schema.StepDefinition, item any) []BranchActivation {
	branches := make([]BranchActivation, 0, len(step.Do))
	for _, seq := range step.Do {
		branches = append(branches, BranchActivation{Steps: seq, Item: item})
	}
	return branches
}

func boolInput(sc *StepContext, name string) (bool, error) {
	v, ok := sc.Inputs[name]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeBinding,
			"primitive %s requires input %q", sc.Step.StepType, name).WithStep(sc.Step.ID)
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeBinding,
			"input %q of %s did not evaluate to a boolean", name, sc.Step.ID).WithStep(sc.Step.ID)
	}
	return b, nil
}

func collectionInput(sc *StepContext, name string) ([]any, error) {
	v, ok := sc.Inputs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"primitive %s requires input %q", sc.Step.StepType, name).WithStep(sc.Step.ID)
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"input %q of %s did not evaluate to a collection", name, sc.Step.ID).WithStep(sc.Step.ID)
	}
	return items, nil
}

// durationInput accepts a number of seconds or a Go duration string.
func durationInput(sc *StepContext, name string) (time.Duration, error) {
	v, ok := sc.Inputs[name]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeBinding,
			"primitive %s requires input %q", sc.Step.StepType, name).WithStep(sc.Step.ID)
	}
	switch val := v.(type) {
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int32:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeBinding,
				"input %q of %s is not a duration: %s", name, sc.Step.ID, err.Error()).
				WithStep(sc.Step.ID).WithCause(err)
		}
		return d, nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeBinding,
		"input %q of %s did not evaluate to a duration", name, sc.Step.ID).WithStep(sc.Step.ID)
}

func scratchSet(p *schema.ExecutionPointer, key string) bool {
	if p.ExtensionAttributes == nil {
		return false
	}
	v, ok := p.ExtensionAttributes[key].(bool)
	return ok && v
}

func setScratch(p *schema.ExecutionPointer, key string) {
	if p.ExtensionAttributes == nil {
		p.ExtensionAttributes = make(map[string]any)
	}
	p.ExtensionAttributes[key] = true
}

func clearScratch(p *schema.ExecutionPointer, key string) {
	delete(p.ExtensionAttributes, key)
}
