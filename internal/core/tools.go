package core

import (
	"context"

	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/mcp"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

// RegisterCoreTools binds the gateway's built-in tools onto the JSON-RPC
// registry: graph search and traversal, code analysis, and event
// publication.
func RegisterCoreTools(registry *mcp.Registry, graph GraphService, analyzer CodeAnalyzer, bus *events.Bus) error {
	tools := []struct {
		definition mcp.ToolDefinition
		handler    mcp.ToolHandler
	}{
		{
			definition: mcp.ToolDefinition{
				Name:        "graph.search",
				Description: "Search the knowledge graph for entities by name or path",
				InputSchema: mcp.InputSchema{
					Type: "object",
					Properties: map[string]mcp.PropertySchema{
						"query":      {Type: "string", Description: "Search text"},
						"entityType": {Type: "string", Description: "Restrict to one entity type"},
						"limit":      {Type: "integer", Description: "Maximum results, default 50"},
					},
					Required: []string{"query"},
				},
			},
			handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				req := models.SearchRequest{
					Query:      stringArg(args, "query"),
					EntityType: stringArg(args, "entityType"),
					Limit:      intArg(args, "limit"),
				}
				entities, err := graph.Search(ctx, req)
				if err != nil {
					return nil, errors.Wrap(err, "graph search")
				}
				return map[string]interface{}{
					"entities": entities,
					"count":    len(entities),
				}, nil
			},
		},
		{
			definition: mcp.ToolDefinition{
				Name:        "graph.relationships",
				Description: "List relationships touching an entity",
				InputSchema: mcp.InputSchema{
					Type: "object",
					Properties: map[string]mcp.PropertySchema{
						"entityId": {Type: "string", Description: "Entity identifier"},
					},
					Required: []string{"entityId"},
				},
			},
			handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				relationships, err := graph.GetRelationships(ctx, stringArg(args, "entityId"))
				if err != nil {
					return nil, errors.Wrap(err, "relationship lookup")
				}
				return map[string]interface{}{
					"relationships": relationships,
					"count":         len(relationships),
				}, nil
			},
		},
		{
			definition: mcp.ToolDefinition{
				Name:        "code.analyze",
				Description: "Run code analysis on a path",
				InputSchema: mcp.InputSchema{
					Type: "object",
					Properties: map[string]mcp.PropertySchema{
						"path":    {Type: "string", Description: "File or directory to analyze"},
						"options": {Type: "object", Description: "Analyzer options"},
					},
					Required: []string{"path"},
				},
			},
			handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				options, _ := args["options"].(map[string]interface{})
				return analyzer.Analyze(ctx, stringArg(args, "path"), options)
			},
		},
		{
			definition: mcp.ToolDefinition{
				Name:        "events.emit",
				Description: "Publish an event to the gateway bus",
				InputSchema: mcp.InputSchema{
					Type: "object",
					Properties: map[string]mcp.PropertySchema{
						"topic": {Type: "string", Description: "Event topic"},
						"data":  {Type: "object", Description: "Event payload"},
					},
					Required: []string{"topic"},
				},
			},
			handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				topic := events.Type(stringArg(args, "topic"))
				if !events.ValidType(topic) {
					return nil, errors.Errorf("unknown event topic: %s", topic)
				}
				data, _ := args["data"].(map[string]interface{})
				bus.Emit(events.Event{
					Type:   topic,
					Source: "tool",
					Data:   data,
				})
				return map[string]interface{}{"published": true, "topic": string(topic)}, nil
			},
		},
	}

	for _, tool := range tools {
		if err := registry.Register(tool.definition, tool.handler); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func intArg(args map[string]interface{}, name string) int {
	if f, ok := args[name].(float64); ok {
		return int(f)
	}
	if i, ok := args[name].(int); ok {
		return i
	}
	return 0
}
