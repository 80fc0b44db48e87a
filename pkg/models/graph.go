package models

import "time"

// Entity is one node of the knowledge graph as returned by the domain
// collaborator.
type Entity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Path       string                 `json:"path,omitempty"`
	Language   string                 `json:"language,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	UpdatedAt  time.Time              `json:"updatedAt,omitempty"`
}

// Relationship is one edge of the knowledge graph
type Relationship struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	FromID     string                 `json:"fromId"`
	ToID       string                 `json:"toId"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// SearchRequest is the query shape accepted by the graph search surface
type SearchRequest struct {
	Query      string   `json:"query" binding:"required"`
	EntityType string   `json:"entityType,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}
