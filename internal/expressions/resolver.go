// Package expressions implements the data-binding layer between workflow
// state and step inputs. Expressions are whitespace-tokenized; tokens
// starting with "$" are state references resolved against the instance
// document, everything else passes through to a sandboxed evaluator.
package expressions

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// operators recognized verbatim between resolved references.
var operators = map[string]bool{
	"+": true, "-": true, "%": true, "==": true,
	"*": true, "/": true, "&&": true, "||": true,
}

// quotedRefPattern matches quoted sub-expressions inside object literals
// that contain at least one state reference.
var quotedRefPattern = regexp.MustCompile(`"[^"]*\$[^"]*"`)

// Resolver binds expressions to values using the instance state document.
type Resolver struct {
	engine *ExprEngine
}

// NewResolver creates a Resolver with a fresh program cache.
func NewResolver() *Resolver {
	return &Resolver{engine: NewExprEngine()}
}

// Resolve evaluates expression against the state document. localItem is the
// current loop item for steps nested in a foreach branch; declaredType is
// the destination's schema type and drives coercion. A reference that
// cannot be bound yields a BINDING_ERROR unless the destination is
// nullable, in which case the result is nil.
func (r *Resolver) Resolve(expression string, doc *state.Document, localItem any, declaredType string) (any, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		if state.NullableType(declaredType) {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"empty expression for non-nullable %s destination", declaredType)
	}

	// Object literals: splice embedded references, then parse as JSON.
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return r.resolveObjectLiteral(trimmed, doc, localItem)
	}

	tokens := strings.Fields(trimmed)

	// A single bare reference binds directly, coerced to the declared type.
	if len(tokens) == 1 && isReference(tokens[0]) {
		value, err := r.lookup(tokens[0], doc, localItem)
		if err != nil {
			if state.NullableType(declaredType) && schema.CodeOf(err) == schema.ErrCodeBinding {
				return nil, nil
			}
			return nil, err
		}
		return state.Coerce(value, declaredType)
	}

	// A single literal token: unwrap quotes and coerce.
	if len(tokens) == 1 {
		return state.Coerce(unquote(tokens[0]), declaredType)
	}

	// Compound expression: substitute references, evaluate, coerce.
	substituted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case operators[tok]:
			substituted = append(substituted, tok)
		case isReference(tok):
			value, err := r.lookup(tok, doc, localItem)
			if err != nil {
				return nil, err
			}
			substituted = append(substituted, renderLiteral(value))
		default:
			substituted = append(substituted, tok)
		}
	}

	out, err := r.engine.Evaluate(strings.Join(substituted, " "), nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"cannot evaluate %q: %s", expression, err.Error()).WithCause(err)
	}
	return state.Coerce(out, declaredType)
}

// ResolveCondition evaluates expression and interprets the result as a
// boolean. Used by If/While/Recur and next-step selection.
func (r *Resolver) ResolveCondition(expression string, doc *state.Document, localItem any) (bool, error) {
	out, err := r.Resolve(expression, doc, localItem, "boolean")
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeBinding,
			"condition %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

// resolveObjectLiteral evaluates every quoted sub-expression containing a
// reference, splices the results into the literal text, and parses the
// whole thing as JSON.
func (r *Resolver) resolveObjectLiteral(literal string, doc *state.Document, localItem any) (any, error) {
	var spliceErr error
	spliced := quotedRefPattern.ReplaceAllStringFunc(literal, func(quoted string) string {
		if spliceErr != nil {
			return quoted
		}
		inner := quoted[1 : len(quoted)-1]
		value, err := r.Resolve(inner, doc, localItem, "")
		if err != nil {
			spliceErr = err
			return quoted
		}
		raw, err := json.Marshal(value)
		if err != nil {
			spliceErr = schema.NewErrorf(schema.ErrCodeBinding,
				"cannot splice %q into object literal: %s", inner, err.Error()).WithCause(err)
			return quoted
		}
		return string(raw)
	})
	if spliceErr != nil {
		return nil, spliceErr
	}

	var out any
	if err := json.Unmarshal([]byte(spliced), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"object literal is not valid JSON after splicing: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"literal": spliced})
	}
	return out, nil
}

// lookup resolves a single "$$key.path" token. A foreach item reference
// that is not a literal state key resolves against the loop item.
func (r *Resolver) lookup(token string, doc *state.Document, localItem any) (any, error) {
	key := token
	var path []string
	if idx := strings.Index(token, "."); idx > 0 {
		key = token[:idx]
		path = strings.Split(token[idx+1:], ".")
	}

	value, ok := doc.Get(key)
	if !ok {
		if isForeachItem(key) && localItem != nil {
			return state.WalkPath(localItem, path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"state key %q not found", key).
			WithDetails(map[string]any{"token": token})
	}
	return state.WalkPath(value, path)
}

func isReference(token string) bool {
	return strings.HasPrefix(token, "$") && len(token) > 1
}

func isForeachItem(key string) bool {
	return strings.HasPrefix(key, "$$foreach") && strings.HasSuffix(key, "_item")
}

// renderLiteral turns a resolved value into evaluator source text.
func renderLiteral(v any) string {
	if v == nil {
		return "nil"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "nil"
	}
	return string(raw)
}

func unquote(token string) any {
	if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
		return token[1 : len(token)-1]
	}
	return token
}
