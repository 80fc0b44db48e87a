package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	registry := NewRegistry()

	require.NoError(t, registry.Register(ToolDefinition{
		Name:        "graph.search",
		Description: "Search entities",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"query": {Type: "string"},
				"limit": {Type: "integer"},
			},
			Required: []string{"query"},
		},
	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"entities": []interface{}{}, "query": args["query"]}, nil
	}))

	require.NoError(t, registry.Register(ToolDefinition{
		Name:        "always.fails",
		Description: "Fails on purpose",
		InputSchema: InputSchema{Type: "object"},
	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("backend exploded")
	}))

	return NewRouter(registry, NewRecorder(observability.NewNoopMetricsClient()), observability.NewNoopLogger())
}

func dispatchOneObject(t *testing.T, rt *Router, raw string) *Response {
	t.Helper()
	out := rt.Dispatch(context.Background(), []byte(raw))
	require.NotNil(t, out)
	resp, ok := out.(*Response)
	require.True(t, ok, "expected a single response, got %T", out)
	return resp
}

func TestDispatchParseError(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{broken`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParse, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestDispatchInvalidRequest(t *testing.T) {
	rt := newTestRouter(t)

	// Wrong protocol version
	resp := dispatchOneObject(t, rt, `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	// Missing method
	resp = dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	// Missing id on a non-notification method
	resp = dispatchOneObject(t, rt, `{"jsonrpc":"2.0","method":"tools/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestDispatchNotificationProducesNoResponse(t *testing.T) {
	rt := newTestRouter(t)
	out := rt.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, out)
}

func TestDispatchInitialize(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
}

func TestDispatchToolsList(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"a"`), resp.ID)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	tools, ok := result["tools"].([]ToolDefinition)
	require.True(t, ok)
	require.Len(t, tools, 2)
	assert.Equal(t, "graph.search", tools[0].Name)
}

func TestDispatchToolsCallWrapsContent(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"graph.search","arguments":{"query":"handler"}}}`)
	require.Nil(t, resp.Error)

	content, ok := resp.Result.(ToolCallContent)
	require.True(t, ok)
	require.Len(t, content.Content, 1)
	assert.Equal(t, "text", content.Content[0].Type)
	assert.Contains(t, content.Content[0].Text, `"query":"handler"`)
}

func TestDispatchToolsCallMissingName(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "name")
}

func TestDispatchDirectToolMethod(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt,
		`{"jsonrpc":"2.0","id":7,"method":"graph.search","params":{"query":"handler"}}`)
	require.Nil(t, resp.Error)

	// Direct method calls return the raw result without content wrapping
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "handler", result["query"])
}

func TestDispatchSimplifiedShape(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{"toolName":"graph.search","arguments":{"query":"x"}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestDispatchInvalidParams(t *testing.T) {
	rt := newTestRouter(t)

	resp := dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":1,"method":"graph.search","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "Invalid params: Missing required parameters: query", resp.Error.Message)

	resp = dispatchOneObject(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"graph.search","params":{"query":"x","limit":1.5}}`)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "limit must be an integer")
}

func TestDispatchMethodNotFound(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":1,"method":"no.such.tool"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestDispatchHandlerError(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `{"jsonrpc":"2.0","id":1,"method":"always.fails"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
	assert.Equal(t, "backend exploded", resp.Error.Message)
}

func TestDispatchBatch(t *testing.T) {
	rt := newTestRouter(t)
	raw := `[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","method":"notifications/progress"},
		{"jsonrpc":"2.0","id":2,"method":"no.such.tool"}
	]`

	out := rt.Dispatch(context.Background(), []byte(raw))
	responses, ok := out.([]*Response)
	require.True(t, ok)
	require.Len(t, responses, 2)

	assert.Equal(t, json.RawMessage("1"), responses[0].ID)
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, json.RawMessage("2"), responses[1].ID)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, ErrCodeMethodNotFound, responses[1].Error.Code)
}

func TestDispatchAllNotificationBatch(t *testing.T) {
	rt := newTestRouter(t)
	out := rt.Dispatch(context.Background(), []byte(
		`[{"jsonrpc":"2.0","method":"notifications/a"},{"jsonrpc":"2.0","method":"notifications/b"}]`))
	assert.Nil(t, out)
}

func TestDispatchEmptyBatch(t *testing.T) {
	rt := newTestRouter(t)
	resp := dispatchOneObject(t, rt, `[]`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestDispatchRecordsExecutions(t *testing.T) {
	rt := newTestRouter(t)
	ctx := context.Background()

	rt.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"graph.search","params":{"query":"x"}}`))
	rt.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"always.fails"}`))

	metrics := rt.Recorder().Metrics()
	require.Contains(t, metrics, "graph.search")
	require.Contains(t, metrics, "always.fails")
	assert.Equal(t, int64(1), metrics["graph.search"].ExecutionCount)
	assert.Equal(t, int64(1), metrics["graph.search"].SuccessCount)
	assert.Equal(t, int64(0), metrics["graph.search"].ErrorCount)
	assert.Equal(t, int64(1), metrics["always.fails"].ErrorCount)
	assert.Equal(t, "backend exploded", metrics["always.fails"].LastErrorMessage)

	history := rt.Recorder().History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "always.fails", history[0].ToolName)
	assert.False(t, history[0].Success)
	assert.Equal(t, "backend exploded", history[0].ErrorMessage)
	assert.Equal(t, "graph.search", history[1].ToolName)

	// Rejected params never reach the recorder
	rt.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":3,"method":"graph.search","params":{}}`))
	assert.Len(t, rt.Recorder().History(0), 2)
}
