package definition

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// bareRefPattern matches a token that is exactly one state reference,
// optionally followed by a dotted path. Convention keys carry a "$$"
// prefix; author-defined scratch keys may use a single "$".
var bareRefPattern = regexp.MustCompile(`^\$\$?[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// CompileRaw serializes the definition's step graph with every bare state
// reference rewritten into its indexed access form, State["$$..."], which
// is the shape downstream tooling consumes. References that are part of a
// larger expression are left for the binding layer to resolve at run time.
func CompileRaw(def *schema.WorkflowDefinition) (string, error) {
	raw, err := json.Marshal(def.Steps)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"cannot serialize step graph: %s", err.Error()).WithCause(err)
	}

	var steps []map[string]any
	if err := json.Unmarshal(raw, &steps); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"cannot reparse step graph: %s", err.Error()).WithCause(err)
	}
	for i := range steps {
		rewriteRefs(steps[i])
	}

	out, err := json.Marshal(steps)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"cannot serialize compiled step graph: %s", err.Error()).WithCause(err)
	}
	return string(out), nil
}

// rewriteRefs walks a decoded step and rewrites input and output
// expression values in place. Only the expression-bearing maps are
// touched; step IDs and types pass through untouched.
func rewriteRefs(step map[string]any) {
	for _, field := range []string{"inputs", "outputs", "selectNextStep"} {
		m, ok := step[field].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			if s, ok := v.(string); ok {
				m[k] = rewriteExpression(s)
			}
		}
	}

	branches, ok := step["do"].([]any)
	if !ok {
		return
	}
	for _, branch := range branches {
		seq, ok := branch.([]any)
		if !ok {
			continue
		}
		for _, child := range seq {
			if cm, ok := child.(map[string]any); ok {
				rewriteRefs(cm)
			}
		}
	}
}

// rewriteExpression rewrites each whitespace token that is a bare state
// reference. Tokens already wrapped, escaped, or embedded in object
// literals are left alone.
func rewriteExpression(expr string) string {
	if strings.HasPrefix(strings.TrimSpace(expr), "{") {
		return expr
	}
	tokens := strings.Fields(expr)
	changed := false
	for i, tok := range tokens {
		if bareRefPattern.MatchString(tok) {
			tokens[i] = `State["` + tok + `"]`
			changed = true
		}
	}
	if !changed {
		return expr
	}
	return strings.Join(tokens, " ")
}
