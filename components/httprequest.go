package components

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shipsec/shipsec/runtime/component"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
)

// HTTPRequest performs one HTTP call through the execution context's shared
// client and returns the response body, decoded as JSON when possible.
// Non-2xx responses are service faults carrying the status and body excerpt.
func HTTPRequest() *component.Definition {
	return &component.Definition{
		ID:       "core.http.request",
		Label:    "HTTP Request",
		Category: "core",
		Inputs: []component.Port{
			{Name: "url", Type: component.Text(), Required: true},
			{Name: "method", Type: component.Text(), Default: http.MethodGet},
			{Name: "body", Type: component.Text()},
			{Name: "headers", Type: component.Map(component.Text())},
		},
		Outputs: []component.Port{
			{Name: "body", Type: component.Text()},
			{Name: "json", Type: component.JSON()},
		},
		Runner:  runner.Inline(),
		Execute: executeHTTPRequest,
	}
}

func executeHTTPRequest(ctx context.Context, params map[string]any, ectx *execution.Context) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fault.New(fault.KindValidation, "url is required")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	header := http.Header{}
	if raw, ok := params["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				header.Set(k, s)
			}
		}
	}

	rawBody, _ := params["body"].(string)
	data, err := ectx.Fetch(ctx, method, url, strings.NewReader(rawBody), header)
	if err != nil {
		var httpErr *execution.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fault.Newf(fault.KindService, "http request returned %d", httpErr.Status).
				WithDetail("status", httpErr.Status).
				WithDetail("body", fault.StderrTail(httpErr.Body))
		}
		return nil, fault.Wrap(fault.KindService, "http request failed", err)
	}

	out := map[string]any{"body": string(data)}
	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		out["json"] = decoded
	}
	return out, nil
}
