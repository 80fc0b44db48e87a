package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
)

func fileChange(changeType, path string) events.Event {
	return events.Event{
		Type: events.TypeFileChange,
		Data: map[string]interface{}{"type": changeType, "path": path},
	}
}

func TestNormalizeFilterShapes(t *testing.T) {
	f := NormalizeFilter(map[string]interface{}{
		"types":      []interface{}{"created", "modified"},
		"paths":      "/src",
		"extensions": []interface{}{".TS", "Go"},
		"ignored":    42,
	})

	assert.Equal(t, []string{"created", "modified"}, f.ChangeTypes)
	assert.Equal(t, []string{"/src"}, f.Paths)
	assert.Equal(t, []string{".ts", "go"}, f.Extensions)
	assert.Empty(t, f.EntityTypes)

	assert.Equal(t, NormalizedFilter{}, NormalizeFilter(nil))
}

func TestNormalizeFilterTrimsAndLowercasesAllAxes(t *testing.T) {
	f := NormalizeFilter(map[string]interface{}{
		"eventTypes":        []interface{}{" Entity_Created "},
		"types":             "MODIFIED",
		"paths":             " /SRC ",
		"absolutePaths":     []interface{}{"/Repo/App "},
		"entityTypes":       []interface{}{" Function"},
		"relationshipTypes": "CALLS",
		"sessionIds":        []interface{}{" S1 "},
		"operationIds":      "OP1 ",
		"sessionEvents":     []interface{}{"Completed"},
		"sessionEdgeTypes":  []interface{}{" Touched "},
	})

	assert.Equal(t, []string{"entity_created"}, f.EventTypes)
	assert.Equal(t, []string{"modified"}, f.ChangeTypes)
	assert.Equal(t, []string{"/src"}, f.Paths)
	assert.Equal(t, []string{"/repo/app"}, f.AbsolutePaths)
	assert.Equal(t, []string{"function"}, f.EntityTypes)
	assert.Equal(t, []string{"calls"}, f.RelationshipTypes)
	assert.Equal(t, []string{"s1"}, f.SessionIDs)
	assert.Equal(t, []string{"op1"}, f.OperationIDs)
	assert.Equal(t, []string{"completed"}, f.SessionEvents)
	assert.Equal(t, []string{"touched"}, f.SessionEdgeTypes)
}

func TestFilterMatchesCaseInsensitively(t *testing.T) {
	f := NormalizeFilter(map[string]interface{}{"entityTypes": " Function "})
	assert.True(t, f.Matches(events.Event{
		Type: events.TypeEntityCreated,
		Data: map[string]interface{}{"type": "Function"},
	}))

	paths := NormalizeFilter(map[string]interface{}{"paths": "/SRC"})
	assert.True(t, paths.Matches(fileChange("modified", "/src/App/Index.go")))

	kinds := NormalizeFilter(map[string]interface{}{"types": "Modified"})
	assert.True(t, kinds.Matches(fileChange("modified", "/a.go")))
	assert.False(t, kinds.Matches(fileChange("created", "/a.go")))
}

func TestFilterEventTypesAxis(t *testing.T) {
	f := NormalizedFilter{EventTypes: []string{"entity_created"}}

	assert.True(t, f.Matches(events.Event{Type: events.TypeEntityCreated, Data: map[string]interface{}{}}))
	assert.False(t, f.Matches(events.Event{Type: events.TypeEntityDeleted, Data: map[string]interface{}{}}))
}

func TestFilterFileChangePathsAndExtensions(t *testing.T) {
	f := NormalizedFilter{Paths: []string{"/src"}, Extensions: []string{".ts"}}

	assert.True(t, f.Matches(fileChange("modified", "/src/app/index.ts")))
	assert.False(t, f.Matches(fileChange("modified", "/lib/index.ts")), "outside the path prefix")
	assert.False(t, f.Matches(fileChange("modified", "/src/app/index.go")), "wrong extension")

	// Exact path match, and prefix must fall on a separator boundary
	exact := NormalizedFilter{Paths: []string{"/src/app"}}
	assert.True(t, exact.Matches(fileChange("created", "/src/app")))
	assert.False(t, exact.Matches(fileChange("created", "/src/application/x.ts")))
}

func TestFilterFileChangeTypes(t *testing.T) {
	f := NormalizedFilter{ChangeTypes: []string{"deleted"}}
	assert.True(t, f.Matches(fileChange("deleted", "/a.go")))
	assert.False(t, f.Matches(fileChange("created", "/a.go")))
}

func TestFilterExtensionWithoutLeadingDot(t *testing.T) {
	f := NormalizedFilter{Extensions: []string{"go"}}
	assert.True(t, f.Matches(fileChange("modified", "/pkg/main.go")))
	assert.False(t, f.Matches(fileChange("modified", "/pkg/main.rs")))
}

func TestFilterEntityTypes(t *testing.T) {
	f := NormalizedFilter{EntityTypes: []string{"function"}}

	assert.True(t, f.Matches(events.Event{
		Type: events.TypeEntityCreated,
		Data: map[string]interface{}{"type": "function", "name": "ServeHTTP"},
	}))
	assert.False(t, f.Matches(events.Event{
		Type: events.TypeEntityCreated,
		Data: map[string]interface{}{"type": "class"},
	}))

	// The relocated key is honored too
	assert.True(t, f.Matches(events.Event{
		Type: events.TypeEntityUpdated,
		Data: map[string]interface{}{"entityType": "function"},
	}))
}

func TestFilterRelationshipTypes(t *testing.T) {
	f := NormalizedFilter{RelationshipTypes: []string{"calls"}}

	assert.True(t, f.Matches(events.Event{
		Type: events.TypeRelationshipCreated,
		Data: map[string]interface{}{"type": "calls"},
	}))
	assert.False(t, f.Matches(events.Event{
		Type: events.TypeRelationshipDeleted,
		Data: map[string]interface{}{"type": "imports"},
	}))
}

func TestFilterSessionAxes(t *testing.T) {
	event := events.Event{
		Type: events.TypeSessionEvent,
		Data: map[string]interface{}{
			"sessionId":   "s1",
			"operationId": "op1",
			"event":       "completed",
			"relationships": []interface{}{
				map[string]interface{}{"type": "touched"},
				map[string]interface{}{"type": "created"},
			},
		},
	}

	assert.True(t, NormalizedFilter{SessionIDs: []string{"s1"}}.Matches(event))
	assert.False(t, NormalizedFilter{SessionIDs: []string{"s2"}}.Matches(event))
	assert.True(t, NormalizedFilter{OperationIDs: []string{"op1"}}.Matches(event))
	assert.True(t, NormalizedFilter{SessionEvents: []string{"completed"}}.Matches(event))
	assert.False(t, NormalizedFilter{SessionEvents: []string{"started"}}.Matches(event))
	assert.True(t, NormalizedFilter{SessionEdgeTypes: []string{"created"}}.Matches(event))
	assert.False(t, NormalizedFilter{SessionEdgeTypes: []string{"deleted"}}.Matches(event))
}

func TestFilterEmptyMatchesEverything(t *testing.T) {
	f := NormalizedFilter{}
	assert.True(t, f.Matches(fileChange("created", "/a.go")))
	assert.True(t, f.Matches(events.Event{Type: events.TypeGraphUpdate, Data: map[string]interface{}{}}))
	assert.True(t, f.Matches(events.Event{Type: events.TypeSessionEvent, Data: map[string]interface{}{}}))
}

func TestBuildEventFrameRelocatesEntityType(t *testing.T) {
	stamp := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	frame := buildEventFrame(events.Event{
		Type:      events.TypeEntityCreated,
		Timestamp: stamp,
		Source:    "sync",
		Data:      map[string]interface{}{"type": "function", "name": "ServeHTTP"},
	})

	assert.Equal(t, "event", frame["type"])
	data, ok := frame["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "entity_created", data["type"])
	assert.Equal(t, "function", data["entityType"])
	assert.Equal(t, "ServeHTTP", data["name"])
	assert.Equal(t, stamp, data["timestamp"])
	assert.Equal(t, "sync", data["source"])
}

func TestBuildEventFrameKeepsFileChangeKind(t *testing.T) {
	frame := buildEventFrame(events.Event{
		Type:      events.TypeFileChange,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"type": "modified", "path": "/a.go"},
	})

	data := frame["data"].(map[string]interface{})
	assert.Equal(t, "modified", data["type"])
	assert.Equal(t, "/a.go", data["path"])
}

func TestBuildEventFrameDefaultsToTopic(t *testing.T) {
	frame := buildEventFrame(events.Event{
		Type:      events.TypeSyncStatus,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"phase": "complete"},
	})

	data := frame["data"].(map[string]interface{})
	assert.Equal(t, "sync_status", data["type"])
	assert.Equal(t, "complete", data["phase"])
}

func TestBuildEventFrameDoesNotMutateSource(t *testing.T) {
	original := map[string]interface{}{"type": "function"}
	buildEventFrame(events.Event{
		Type:      events.TypeEntityCreated,
		Timestamp: time.Now(),
		Data:      original,
	})
	assert.Equal(t, map[string]interface{}{"type": "function"}, original)
}
