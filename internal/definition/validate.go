// Package definition manages the lifecycle of workflow definitions:
// validation, versioning, activation, and the run-level read API.
package definition

import (
	"fmt"
	"strings"

	"github.com/stepmesh/stepmesh/internal/modules"
	"github.com/stepmesh/stepmesh/internal/steps"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Validation issue codes.
const (
	codeMissingID       = "missing_id"
	codeNoSteps         = "no_steps"
	codeDuplicateStep   = "duplicate_step"
	codeMissingType     = "missing_type"
	codeDanglingRef     = "dangling_ref"
	codeUnknownType     = "unknown_step_type"
	codeMissingInput    = "missing_input"
	codeEmptyBranch     = "empty_branch"
	codeUndeclaredInput = "undeclared_input"
	codeTypeMismatch    = "type_mismatch"
)

// Validate checks a workflow definition for structural faults: missing
// identifiers, duplicate step IDs (including nested branches), dangling
// next-step references, and steps whose type nothing can execute. Module
// component steps are also checked against their descriptor's declared
// input properties.
func Validate(def *schema.WorkflowDefinition, registry *modules.Registry) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.ID == "" {
		result.AddError("", codeMissingID, "workflow definition requires an id")
	}
	if def.Name == "" {
		result.AddWarning("", codeMissingID, "workflow definition has no name")
	}
	if len(def.Steps) == 0 {
		result.AddError("", codeNoSteps, "workflow definition has no steps")
		return result
	}

	graph := make(map[string]*schema.StepDefinition)
	def.WalkSteps(func(s *schema.StepDefinition) {
		if s.ID == "" {
			result.AddError("", codeMissingID, "step without an id")
			return
		}
		if _, dup := graph[s.ID]; dup {
			result.AddError(s.ID, codeDuplicateStep, fmt.Sprintf("duplicate step id %q", s.ID))
			return
		}
		graph[s.ID] = s
	})

	def.WalkSteps(func(s *schema.StepDefinition) {
		validateStep(s, graph, registry, result)
	})

	return result
}

func validateStep(s *schema.StepDefinition, graph map[string]*schema.StepDefinition, registry *modules.Registry, result *schema.ValidationResult) {
	if s.ID == "" {
		return
	}
	if s.StepType == "" {
		result.AddError(s.ID, codeMissingType, "step has no type")
		return
	}

	if s.NextStepID != "" && graph[s.NextStepID] == nil {
		result.AddError(s.ID, codeDanglingRef, fmt.Sprintf("nextStepId %q does not exist", s.NextStepID))
	}
	for target := range s.SelectNextStep {
		if graph[target] == nil {
			result.AddError(s.ID, codeDanglingRef, fmt.Sprintf("selectNextStep target %q does not exist", target))
		}
	}

	if schema.IsPrimitive(s.StepType) {
		validatePrimitive(s, result)
		return
	}

	if isBuiltin(s.StepType) || registry == nil {
		return
	}
	desc, ok := registry.Descriptor(s.StepType)
	if !ok {
		result.AddError(s.ID, codeUnknownType, fmt.Sprintf("step type %q is not registered", s.StepType))
		return
	}
	if desc.Kind == schema.DescriptorKindComponent {
		validateComponentInputs(s, desc, graph, registry, result)
	}
}

// validatePrimitive checks the fixed inputs and branch shape of a
// control-flow primitive.
func validatePrimitive(s *schema.StepDefinition, result *schema.ValidationResult) {
	requires := func(input string) {
		if _, ok := s.Inputs[input]; !ok {
			result.AddError(s.ID, codeMissingInput,
				fmt.Sprintf("%s requires input %q", s.StepType, input))
		}
	}
	switch s.StepType {
	case schema.StepTypeIf, schema.StepTypeWhile:
		requires("condition")
	case schema.StepTypeForeach:
		requires("collection")
	case schema.StepTypeDelay:
		requires("period")
	case schema.StepTypeSchedule:
		requires("interval")
	case schema.StepTypeRecur:
		requires("stopCondition")
		requires("interval")
	}

	switch s.StepType {
	case schema.StepTypeIf, schema.StepTypeWhile, schema.StepTypeForeach,
		schema.StepTypeSchedule, schema.StepTypeRecur:
		if len(s.Do) == 0 {
			result.AddError(s.ID, codeEmptyBranch,
				fmt.Sprintf("%s has no branch steps", s.StepType))
		}
	}
}

// validateComponentInputs flags declared inputs the component's schema
// does not know about, and checks that an input wired straight to another
// step's output carries a compatible schema type. An extra input is almost
// always a typo in the property name.
func validateComponentInputs(s *schema.StepDefinition, desc *schema.StepDescriptor, graph map[string]*schema.StepDefinition, registry *modules.Registry, result *schema.ValidationResult) {
	known := modules.SchemaProperties(desc.InputSchema)
	if known == nil {
		return
	}
	for prop, expr := range s.Inputs {
		destType, declared := known[prop]
		if !declared {
			result.AddWarning(s.ID, codeUndeclaredInput,
				fmt.Sprintf("input %q is not declared by %s", prop, s.StepType))
			continue
		}
		srcType, ok := outputRefType(expr, graph, registry)
		if ok && !typesCompatible(srcType, destType) {
			result.AddWarning(s.ID, codeTypeMismatch,
				fmt.Sprintf("input %q expects %s but %s yields %s", prop, destType, expr, srcType))
		}
	}
}

// outputRefType resolves an input expression that is a bare reference to
// another step's output ($$<stepId>_<prop>_Out) to that output's declared
// schema type. Anything else, or a source without a component descriptor,
// reports no type.
func outputRefType(expr string, graph map[string]*schema.StepDefinition, registry *modules.Registry) (string, bool) {
	if registry == nil || !strings.HasPrefix(expr, "$$") || !strings.HasSuffix(expr, "_Out") {
		return "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(expr, "$$"), "_Out")
	// Step ids may themselves contain underscores; prefer the longest match.
	var src *schema.StepDefinition
	var srcProp string
	for id, step := range graph {
		rest, ok := strings.CutPrefix(body, id+"_")
		if !ok || rest == "" {
			continue
		}
		if src == nil || len(id) > len(src.ID) {
			src, srcProp = step, rest
		}
	}
	if src == nil {
		return "", false
	}
	desc, ok := registry.Descriptor(src.StepType)
	if !ok {
		return "", false
	}
	outputs := modules.SchemaProperties(desc.OutputSchema)
	t, ok := outputs[srcProp]
	return t, ok
}

// typesCompatible compares JSON Schema type names. Integers flow into
// number slots; everything else must match exactly.
func typesCompatible(src, dest string) bool {
	if src == "" || dest == "" || src == dest {
		return true
	}
	return src == "integer" && dest == "number"
}

func isBuiltin(stepType string) bool {
	switch stepType {
	case steps.TypeAddNumbers, steps.TypePrintMessage, steps.TypeHTTPRequest, steps.TypeArrayMapper:
		return true
	}
	return false
}
