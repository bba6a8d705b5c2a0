package modules

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"

	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Client dispatches component calls to external modules over their request
// queues.
type Client struct {
	broker      queue.Broker
	serviceName string
	logger      *slog.Logger
}

// NewClient creates a Client. serviceName identifies this orchestrator in
// outgoing envelopes.
func NewClient(broker queue.Broker, serviceName string, logger *slog.Logger) *Client {
	return &Client{broker: broker, serviceName: serviceName, logger: logger}
}

// Call enqueues a component request and returns the job ID that correlates
// the module's response event. Correlation identifiers from the state
// document are folded into the payload so modules can propagate them.
func (c *Client) Call(ctx context.Context, desc *schema.StepDescriptor, doc *state.Document, inputs map[string]any) (string, error) {
	if desc.RequestQueue == "" {
		return "", schema.NewErrorf(schema.ErrCodeDispatch,
			"descriptor %s has no request queue", desc.StepType)
	}

	body := gabs.New()
	for prop, value := range inputs {
		if _, err := body.Set(value, prop); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeDispatch,
				"cannot build payload for %s: %s", desc.StepType, err.Error()).WithCause(err)
		}
	}
	if v := doc.ServiceID(); v != "" {
		body.Set(v, "serviceId")
	}
	if v := doc.InstitutionID(); v != "" {
		body.Set(v, "institutionId")
	}
	if v := doc.UserID(); v != "" {
		body.Set(v, "userId")
	}

	jobID := uuid.NewString()
	envelope := schema.Envelope{
		Command:         desc.Command,
		ServiceID:       doc.ServiceID(),
		UserID:          doc.UserID(),
		InstitutionID:   doc.InstitutionID(),
		JobID:           jobID,
		TraceID:         doc.TraceID(),
		Payload:         json.RawMessage(body.Bytes()),
		When:            time.Now().UTC(),
		ServiceName:     c.serviceName,
		RequireResponse: true,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDispatch,
			"cannot marshal envelope for %s: %s", desc.StepType, err.Error()).WithCause(err)
	}

	if err := c.broker.Enqueue(ctx, desc.RequestQueue, raw); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDispatch,
			"cannot dispatch %s to %q: %s", desc.StepType, desc.RequestQueue, err.Error()).WithCause(err)
	}

	c.logger.DebugContext(ctx, "component dispatched",
		"step_type", desc.StepType, "queue", desc.RequestQueue, "job_id", jobID)
	return jobID, nil
}

// PrepareOutput deserializes a response or event payload into the value
// bound under the descriptor's output property. A payload that is not
// valid JSON is a binding fault: the caller cannot continue with it.
func PrepareOutput(payload any) (any, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"module payload is not valid JSON: %s", err.Error()).WithCause(err)
		}
		return out, nil
	case string:
		var out any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			// Modules may answer with a bare string.
			return v, nil
		}
		return out, nil
	default:
		return v, nil
	}
}
