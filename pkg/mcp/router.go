package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// JSON-RPC 2.0 error codes
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// ProtocolVersion is returned from initialize
const ProtocolVersion = "2024-11-05"

// notificationPrefix marks methods that never produce a response
const notificationPrefix = "notifications/"

// nullID is the id echoed when a request carried none
var nullID = json.RawMessage("null")

// Request is one inbound JSON-RPC object. The simplified shape carries
// ToolName/Arguments instead of the jsonrpc fields.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	ToolName  string                 `json:"toolName,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (r Request) hasID() bool {
	return len(r.ID) > 0 && !bytes.Equal(r.ID, nullID)
}

// RPCError is the error half of a JSON-RPC response
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Response is one outbound JSON-RPC object
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ToolCallContent is the MCP content wrapper used by tools/call results
type ToolCallContent struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one item of a tool-call result
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Router dispatches JSON-RPC requests against the tool registry and
// records every execution.
type Router struct {
	registry *Registry
	recorder *Recorder
	logger   observability.Logger
}

// NewRouter creates a router over a registry
func NewRouter(registry *Registry, recorder *Recorder, logger observability.Logger) *Router {
	return &Router{
		registry: registry,
		recorder: recorder,
		logger:   logger,
	}
}

// Registry exposes the tool registry
func (rt *Router) Registry() *Registry { return rt.registry }

// Recorder exposes the execution recorder
func (rt *Router) Recorder() *Recorder { return rt.recorder }

// Dispatch handles a raw JSON-RPC payload, single object or batch.
// The returned value is nil when no response is due (a notification or
// an all-notification batch).
func (rt *Router) Dispatch(ctx context.Context, raw []byte) interface{} {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return errorResponse(nullID, ErrCodeInvalidRequest, "Invalid request")
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return errorResponse(nullID, ErrCodeParse, "Parse error")
		}
		if len(batch) == 0 {
			return errorResponse(nullID, ErrCodeInvalidRequest, "Invalid request")
		}

		responses := make([]*Response, 0, len(batch))
		for _, item := range batch {
			if resp := rt.dispatchOne(ctx, item); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return nil
		}
		return responses
	}

	if resp := rt.dispatchOne(ctx, trimmed); resp != nil {
		return resp
	}
	return nil
}

// dispatchOne handles a single request object
func (rt *Router) dispatchOne(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nullID, ErrCodeParse, "Parse error")
	}

	// Simplified shape: a direct tool invocation without the jsonrpc
	// framing.
	if req.JSONRPC == "" && req.ToolName != "" {
		return rt.invokeTool(ctx, responseID(req), req.ToolName, req.Arguments, false)
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(responseID(req), ErrCodeInvalidRequest, "Invalid request")
	}

	if !req.hasID() {
		if strings.HasPrefix(req.Method, notificationPrefix) {
			return nil
		}
		return errorResponse(nullID, ErrCodeInvalidRequest, "Invalid request")
	}

	switch req.Method {
	case "initialize":
		return rt.handleInitialize(req)
	case "tools/list":
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{"tools": rt.registry.List()},
		}
	case "tools/call":
		return rt.handleToolsCall(ctx, req)
	}

	if rt.registry.Has(req.Method) {
		args, errResp := decodeArguments(req)
		if errResp != nil {
			return errResp
		}
		return rt.invokeTool(ctx, req.ID, req.Method, args, false)
	}

	return errorResponse(req.ID, ErrCodeMethodNotFound, "Method not found")
}

func (rt *Router) handleInitialize(req Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":  "knowledge-mesh-gateway",
				"tools": rt.registry.Count(),
			},
		},
	}
}

// handleToolsCall dispatches by the name parameter and wraps the result
// in MCP content format.
func (rt *Router) handleToolsCall(ctx context.Context, req Request) *Response {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, ErrCodeInvalidParams, "Invalid params: params must be an object")
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, ErrCodeInvalidParams, "Invalid params: Missing required parameters: name")
	}
	return rt.invokeTool(ctx, req.ID, params.Name, params.Arguments, true)
}

// invokeTool validates, executes, and records one tool call
func (rt *Router) invokeTool(ctx context.Context, id json.RawMessage, name string, args map[string]interface{}, wrapContent bool) *Response {
	definition, handler, ok := rt.registry.Get(name)
	if !ok {
		return errorResponse(id, ErrCodeMethodNotFound, "Method not found")
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	if err := ValidateParams(definition.InputSchema, args); err != nil {
		return errorResponse(id, ErrCodeInvalidParams, "Invalid params: "+err.Error())
	}

	start := time.Now()
	result, err := handler(ctx, args)
	end := time.Now()

	record := ExecutionRecord{
		ToolName:  name,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Success:   err == nil,
		Params:    args,
	}
	if err != nil {
		record.ErrorMessage = err.Error()
	}
	rt.recorder.Record(record)

	if err != nil {
		rt.logger.Warn("Tool execution failed", map[string]interface{}{
			"tool":     name,
			"duration": record.Duration.String(),
			"error":    err.Error(),
		})
		return errorResponse(id, ErrCodeInternal, err.Error())
	}

	if wrapContent {
		return &Response{
			JSONRPC: "2.0",
			ID:      id,
			Result:  wrapToolContent(result),
		}
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// wrapToolContent renders a tool result as MCP text content
func wrapToolContent(result interface{}) ToolCallContent {
	text := ""
	switch v := result.(type) {
	case string:
		text = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			encoded = []byte(errors.Wrap(err, "encode tool result").Error())
		}
		text = string(encoded)
	}
	return ToolCallContent{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func decodeArguments(req Request) (map[string]interface{}, *Response) {
	if len(req.Params) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, errorResponse(req.ID, ErrCodeInvalidParams, "Invalid params: params must be an object")
	}
	return args, nil
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

func responseID(req Request) json.RawMessage {
	if req.hasID() {
		return req.ID
	}
	return nullID
}
