// Package state implements the runtime state document shared by all steps
// of a workflow instance. Values live under convention keys of the form
// "$$<stepId>_<property>_In" / "$$<stepId>_<property>_Out"; correlation
// identifiers ride alongside under fixed keys.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/Jeffail/gabs/v2"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Correlation keys stored in the document alongside step values.
const (
	KeyTraceID       = "TraceId"
	KeyInstitutionID = "InstitutionId"
	KeyServiceID     = "ServiceId"
	KeyUserID        = "UserId"
)

// Direction of a state key.
const (
	DirIn  = "In"
	DirOut = "Out"
)

// Key builds a convention state key: "$$<stepID>_<property>_<dir>".
func Key(stepID, property, dir string) string {
	return "$$" + stepID + "_" + property + "_" + dir
}

// InKey builds the input key for a step property.
func InKey(stepID, property string) string { return Key(stepID, property, DirIn) }

// OutKey builds the output key for a step property.
func OutKey(stepID, property string) string { return Key(stepID, property, DirOut) }

// IsStateKey reports whether s looks like a convention state key.
func IsStateKey(s string) bool {
	return strings.HasPrefix(s, "$$") && (strings.HasSuffix(s, "_In") || strings.HasSuffix(s, "_Out"))
}

// Document is the mutable state of one workflow instance. It is NOT
// goroutine-safe; the host serializes all access per instance.
type Document struct {
	values map[string]any
}

// New creates an empty document.
func New() *Document {
	return &Document{values: make(map[string]any)}
}

// FromMap wraps an existing serialized state map.
func FromMap(m map[string]any) *Document {
	if m == nil {
		m = make(map[string]any)
	}
	return &Document{values: m}
}

// Map exposes the underlying map for persistence.
func (d *Document) Map() map[string]any { return d.values }

// Get returns the value stored under key.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Set stores value under key.
func (d *Document) Set(key string, value any) {
	d.values[key] = value
}

// Delete removes key from the document.
func (d *Document) Delete(key string) {
	delete(d.values, key)
}

// Len returns the number of stored entries.
func (d *Document) Len() int { return len(d.values) }

// TraceID returns the instance trace identifier, if set.
func (d *Document) TraceID() string { return d.str(KeyTraceID) }

// ServiceID returns the originating service identifier, if set.
func (d *Document) ServiceID() string { return d.str(KeyServiceID) }

// UserID returns the originating user identifier, if set.
func (d *Document) UserID() string { return d.str(KeyUserID) }

// InstitutionID returns the institution identifier, if set.
func (d *Document) InstitutionID() string { return d.str(KeyInstitutionID) }

func (d *Document) str(key string) string {
	if v, ok := d.values[key].(string); ok {
		return v
	}
	return ""
}

// SetCorrelation stores the correlation identifiers in one call.
func (d *Document) SetCorrelation(traceID, serviceID, userID, institutionID string) {
	d.values[KeyTraceID] = traceID
	if serviceID != "" {
		d.values[KeyServiceID] = serviceID
	}
	if userID != "" {
		d.values[KeyUserID] = userID
	}
	if institutionID != "" {
		d.values[KeyInstitutionID] = institutionID
	}
}

// Clone returns a deep copy of the document via JSON round-trip.
func (d *Document) Clone() *Document {
	raw, err := json.Marshal(d.values)
	if err != nil {
		// Values are always JSON-derived; marshal cannot fail in practice.
		return FromMap(nil)
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return FromMap(m)
}

// WalkPath descends into value following dotted path segments. Each segment
// has its first letter lower-cased before lookup, matching the casing
// modules emit on the wire. Returns the value at the end of the path.
func WalkPath(value any, path []string) (any, error) {
	if len(path) == 0 {
		return value, nil
	}

	container := gabs.Wrap(normalize(value))
	for _, seg := range path {
		seg = LowerFirst(seg)
		if !container.ExistsP(seg) {
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"path segment %q not found", seg).
				WithDetails(map[string]any{"path": strings.Join(path, ".")})
		}
		container = container.Path(seg)
	}
	return container.Data(), nil
}

// LowerFirst lower-cases the first rune of s.
func LowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// normalize converts arbitrary Go values into plain JSON types so that
// gabs path walks behave uniformly regardless of how the value entered
// the document (decoded payload vs. native step output).
func normalize(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v.(json.RawMessage), &out); err != nil {
			return v
		}
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Render serializes a value for storage in the document: structured values
// stay structured, everything else is passed through. Used by output
// capture so extension attributes and state agree on representation.
func Render(v any) any {
	return normalize(v)
}

// String implements fmt.Stringer for debug logging.
func (d *Document) String() string {
	return fmt.Sprintf("state(%d keys)", len(d.values))
}
