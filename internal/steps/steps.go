// Package steps provides the builtin step bodies the orchestrator executes
// in-process, without dispatching to an external module.
package steps

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/stepmesh/stepmesh/internal/expressions"
	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/state"
	"github.com/stepmesh/stepmesh/pkg/schema"
)

// Builtin step types.
const (
	TypeAddNumbers   = "addNumbers"
	TypePrintMessage = "printMessage"
	TypeHTTPRequest  = "httpRequest"
	TypeArrayMapper  = "arrayMapper"
)

// RegisterBuiltins binds every builtin step body to the host.
func RegisterBuiltins(h *host.Host, httpClient *resty.Client, jq *expressions.JQEngine, logger *slog.Logger) {
	h.RegisterStepBody(TypeAddNumbers, &addNumbers{})
	h.RegisterStepBody(TypePrintMessage, &printMessage{logger: logger})
	h.RegisterStepBody(TypeHTTPRequest, &httpRequest{client: httpClient})
	h.RegisterStepBody(TypeArrayMapper, &arrayMapper{jq: jq})
}

// addNumbers sums its two declared inputs.
type addNumbers struct{}

func (s *addNumbers) InputType(string) string { return "double" }

func (s *addNumbers) Run(_ context.Context, sc *host.StepContext) (*host.ExecutionResult, error) {
	a, aok := sc.Inputs["number1"].(float64)
	b, bok := sc.Inputs["number2"].(float64)
	if !aok || !bok {
		return nil, schema.NewError(schema.ErrCodeBinding,
			"addNumbers requires numeric inputs number1 and number2").WithStep(sc.Step.ID)
	}
	return host.ResultOutcome(map[string]any{"Result": a + b}), nil
}

// printMessage logs its message input. Useful as a tracer step in workflow
// definitions under development.
type printMessage struct {
	logger *slog.Logger
}

func (s *printMessage) InputType(string) string { return "string" }

func (s *printMessage) Run(ctx context.Context, sc *host.StepContext) (*host.ExecutionResult, error) {
	msg, _ := sc.Inputs["message"].(string)
	s.logger.InfoContext(ctx, "printMessage", "message", msg)
	return host.ResultOutcome(map[string]any{"Result": msg}), nil
}

// httpRequest performs an outbound HTTP call and exposes the response
// status and decoded body under its Result output.
type httpRequest struct {
	client *resty.Client
}

func (s *httpRequest) InputType(property string) string {
	switch property {
	case "url", "method":
		return "string"
	}
	return ""
}

func (s *httpRequest) Run(ctx context.Context, sc *host.StepContext) (*host.ExecutionResult, error) {
	url, _ := sc.Inputs["url"].(string)
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeBinding,
			"httpRequest requires a url input").WithStep(sc.Step.ID)
	}
	method, _ := sc.Inputs["method"].(string)
	if method == "" {
		method = "GET"
	}

	req := s.client.R().SetContext(ctx)
	if body, ok := sc.Inputs["body"]; ok && body != nil {
		req.SetBody(body)
	}
	if headers, ok := sc.Inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			if sv, ok := v.(string); ok {
				req.SetHeader(k, sv)
			}
		}
	}

	resp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"httpRequest to %s failed: %s", url, err.Error()).
			WithStep(sc.Step.ID).WithCause(err)
	}

	var decoded any
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
			decoded = string(resp.Body())
		}
	}
	return host.ResultOutcome(map[string]any{"Result": map[string]any{
		"statusCode": resp.StatusCode(),
		"body":       decoded,
	}}), nil
}

// arrayMapper reshapes a value with a jq expression: the bound "array"
// input is the jq input document and "expression" is the program.
type arrayMapper struct {
	jq *expressions.JQEngine
}

func (s *arrayMapper) InputType(property string) string {
	if property == "expression" {
		return "string"
	}
	return ""
}

func (s *arrayMapper) Run(ctx context.Context, sc *host.StepContext) (*host.ExecutionResult, error) {
	expr, _ := sc.Inputs["expression"].(string)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeBinding,
			"arrayMapper requires an expression input").WithStep(sc.Step.ID)
	}

	// gojq only accepts plain JSON values as input.
	input := state.Render(sc.Inputs["array"])
	out, err := s.jq.Evaluate(ctx, expr, input)
	if err != nil {
		return nil, err
	}
	return host.ResultOutcome(map[string]any{"Result": out}), nil
}
