package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text"`
	MimeType *string `json:"mimeType"`
}

// initializeParams builds the handshake payload for one server config.
func initializeParams(cfg ServerConfig) map[string]any {
	protocol := cfg.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	return map[string]any{
		"protocolVersion": protocol,
		"clientInfo": map[string]any{
			"name":    "shipsec",
			"version": "dev",
		},
	}
}

// callParams builds the tools/call payload, attaching trace propagation
// metadata so downstream servers can join the span.
func callParams(ctx context.Context, name string, args json.RawMessage) map[string]any {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		meta := make(map[string]string, len(carrier))
		for k, v := range carrier {
			meta[k] = v
		}
		params["_meta"] = meta
	}
	return params
}

func decodeToolsList(raw json.RawMessage) ([]Tool, error) {
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func decodeToolCallResult(raw json.RawMessage) (CallResult, error) {
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(result)
}

// normalizeToolResult flattens the provider content array: Content carries
// the whole array re-encoded, Structured the first valid JSON text block.
func normalizeToolResult(result toolsCallResult) (CallResult, error) {
	if len(result.Content) == 0 {
		return CallResult{}, errors.New("empty mcp response")
	}
	content, err := json.Marshal(result.Content)
	if err != nil {
		return CallResult{}, err
	}
	out := CallResult{Content: content, IsError: result.IsError}
	for _, item := range result.Content {
		if item.Text == nil {
			continue
		}
		text := []byte(*item.Text)
		if json.Valid(text) {
			out.Structured = append(json.RawMessage(nil), text...)
			break
		}
	}
	return out, nil
}
