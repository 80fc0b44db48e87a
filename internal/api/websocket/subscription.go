package websocket

import (
	"path/filepath"
	"strings"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
)

// Subscription is one (event topic, filter) registration on a connection
type Subscription struct {
	ID     string                 `json:"subscriptionId"`
	Event  events.Type            `json:"event"`
	Filter NormalizedFilter       `json:"filter"`
	Raw    map[string]interface{} `json:"-"`
}

// NormalizedFilter is the typed form of the client's filter object.
// Empty slices mean no restriction on that axis.
type NormalizedFilter struct {
	EventTypes        []string `json:"eventTypes,omitempty"`
	ChangeTypes       []string `json:"types,omitempty"`
	Paths             []string `json:"paths,omitempty"`
	AbsolutePaths     []string `json:"absolutePaths,omitempty"`
	Extensions        []string `json:"extensions,omitempty"`
	EntityTypes       []string `json:"entityTypes,omitempty"`
	RelationshipTypes []string `json:"relationshipTypes,omitempty"`
	SessionIDs        []string `json:"sessionIds,omitempty"`
	OperationIDs      []string `json:"operationIds,omitempty"`
	SessionEvents     []string `json:"sessionEvents,omitempty"`
	SessionEdgeTypes  []string `json:"sessionEdgeTypes,omitempty"`
}

// NormalizeFilter converts the raw client filter into its typed form.
// Every projection is trimmed and lowercased; unknown keys are ignored;
// scalar values are accepted where a list is expected.
func NormalizeFilter(raw map[string]interface{}) NormalizedFilter {
	return NormalizedFilter{
		EventTypes:        normalizedList(raw, "eventTypes"),
		ChangeTypes:       normalizedList(raw, "types"),
		Paths:             normalizedList(raw, "paths"),
		AbsolutePaths:     normalizedList(raw, "absolutePaths"),
		Extensions:        normalizedList(raw, "extensions"),
		EntityTypes:       normalizedList(raw, "entityTypes"),
		RelationshipTypes: normalizedList(raw, "relationshipTypes"),
		SessionIDs:        normalizedList(raw, "sessionIds"),
		OperationIDs:      normalizedList(raw, "operationIds"),
		SessionEvents:     normalizedList(raw, "sessionEvents"),
		SessionEdgeTypes:  normalizedList(raw, "sessionEdgeTypes"),
	}
}

// Matches reports whether an event passes the filter. The per-topic
// axes only apply to their own topic family.
func (f NormalizedFilter) Matches(event events.Event) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, string(event.Type)) {
		return false
	}

	switch {
	case event.Type == events.TypeFileChange:
		return f.matchesFileChange(event.Data)
	case strings.HasPrefix(string(event.Type), "entity_"):
		return f.matchesEntity(event.Data)
	case strings.HasPrefix(string(event.Type), "relationship_"):
		return f.matchesRelationship(event.Data)
	case event.Type == events.TypeSessionEvent:
		return f.matchesSession(event.Data)
	}
	return true
}

func (f NormalizedFilter) matchesFileChange(data map[string]interface{}) bool {
	if len(f.ChangeTypes) > 0 && !contains(f.ChangeTypes, stringField(data, "type")) {
		return false
	}

	path := stringField(data, "path")
	absolutePath := stringField(data, "absolutePath")
	if len(f.Paths) > 0 && !matchesPath(f.Paths, path) {
		return false
	}
	if len(f.AbsolutePaths) > 0 && !matchesPath(f.AbsolutePaths, absolutePath) {
		return false
	}

	if len(f.Extensions) > 0 {
		candidate := path
		if candidate == "" {
			candidate = absolutePath
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(candidate), "."))
		matched := false
		for _, want := range f.Extensions {
			if strings.TrimPrefix(want, ".") == ext {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (f NormalizedFilter) matchesEntity(data map[string]interface{}) bool {
	if len(f.EntityTypes) == 0 {
		return true
	}
	entityType := stringField(data, "entityType")
	if entityType == "" {
		entityType = stringField(data, "type")
	}
	return contains(f.EntityTypes, entityType)
}

func (f NormalizedFilter) matchesRelationship(data map[string]interface{}) bool {
	if len(f.RelationshipTypes) == 0 {
		return true
	}
	relType := stringField(data, "relationshipType")
	if relType == "" {
		relType = stringField(data, "type")
	}
	return contains(f.RelationshipTypes, relType)
}

func (f NormalizedFilter) matchesSession(data map[string]interface{}) bool {
	if len(f.SessionIDs) > 0 && !contains(f.SessionIDs, stringField(data, "sessionId")) {
		return false
	}
	if len(f.OperationIDs) > 0 && !contains(f.OperationIDs, stringField(data, "operationId")) {
		return false
	}
	if len(f.SessionEvents) > 0 && !contains(f.SessionEvents, stringField(data, "event")) {
		return false
	}
	if len(f.SessionEdgeTypes) > 0 {
		relationships, _ := data["relationships"].([]interface{})
		matched := false
		for _, rel := range relationships {
			relMap, ok := rel.(map[string]interface{})
			if !ok {
				continue
			}
			if contains(f.SessionEdgeTypes, stringField(relMap, "type")) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// matchesPath tests exact equality or directory-prefix containment,
// normalized to the OS separator. Comparison is case-insensitive since
// filter paths are lowercased at normalization time.
func matchesPath(wanted []string, candidate string) bool {
	if candidate == "" {
		return false
	}
	normalized := strings.ToLower(filepath.Clean(filepath.FromSlash(candidate)))
	for _, want := range wanted {
		prefix := strings.ToLower(filepath.Clean(filepath.FromSlash(want)))
		if normalized == prefix {
			return true
		}
		if strings.HasPrefix(normalized, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// buildEventFrame renders the outbound event payload. Entity and
// relationship events relocate their inner type into entityType so the
// top-level type stays the topic; file_change keeps the change kind.
func buildEventFrame(event events.Event) map[string]interface{} {
	data := make(map[string]interface{}, len(event.Data)+3)
	for k, v := range event.Data {
		data[k] = v
	}

	topic := string(event.Type)
	if strings.HasPrefix(topic, "entity_") || strings.HasPrefix(topic, "relationship_") {
		if inner, ok := data["type"]; ok {
			data["entityType"] = inner
		}
		data["type"] = topic
	} else if event.Type != events.TypeFileChange || data["type"] == nil {
		data["type"] = topic
	}

	data["timestamp"] = event.Timestamp
	if event.Source != "" {
		data["source"] = event.Source
	}

	return map[string]interface{}{
		"type": "event",
		"data": data,
	}
}

// Helpers

func stringList(raw map[string]interface{}, key string) []string {
	if raw == nil {
		return nil
	}
	switch v := raw[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	}
	return nil
}

// normalizedList extracts one projection, trimmed and lowercased, with
// empty values dropped.
func normalizedList(raw map[string]interface{}, key string) []string {
	list := stringList(raw, key)
	out := list[:0]
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stringField(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// contains compares case-insensitively: filter values are lowercased at
// normalization time, event payload values are not.
func contains(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
