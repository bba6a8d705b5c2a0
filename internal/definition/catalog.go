package definition

import (
	"github.com/stepmesh/stepmesh/internal/modules"
	"github.com/stepmesh/stepmesh/internal/steps"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

func builtinCatalog() []ComponentInfo {
	return []ComponentInfo{
		{StepType: steps.TypeAddNumbers, Kind: "builtin"},
		{StepType: steps.TypePrintMessage, Kind: "builtin"},
		{StepType: steps.TypeHTTPRequest, Kind: "builtin"},
		{StepType: steps.TypeArrayMapper, Kind: "builtin"},
	}
}

func moduleCatalog(registry *modules.Registry, m *schema.Module) []ComponentInfo {
	descriptors := registry.Descriptors(m.Name, m.Version)
	out := make([]ComponentInfo, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, ComponentInfo{
			StepType:     d.StepType,
			Kind:         string(d.Kind),
			ModuleName:   d.ModuleName,
			InputSchema:  d.InputSchema,
			OutputSchema: d.OutputSchema,
		})
	}
	return out
}
