package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

// handleGraphSearch runs a knowledge-graph search. The query arrives as
// ?q= (alias ?query=) with an optional entityType and limit.
func (s *Server) handleGraphSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		query = c.Query("query")
	}
	if query == "" {
		s.renderer.renderValidation(c, "query parameter q is required")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.renderer.renderValidation(c, "limit must be an integer between 1 and 1000")
			return
		}
		limit = parsed
	}

	req := models.SearchRequest{
		Query:      query,
		EntityType: c.Query("entityType"),
		Limit:      limit,
	}

	entities, err := s.graph.Search(c.Request.Context(), req)
	if err != nil {
		s.renderer.render(c, NewUnavailable("graph search failed", err))
		return
	}

	s.respond(c, http.StatusOK, gin.H{
		"entities": entities,
		"count":    len(entities),
		"query":    query,
	})
}

func (s *Server) handleGraphEntity(c *gin.Context) {
	entityID := c.Param("id")

	entity, err := s.graph.GetEntity(c.Request.Context(), entityID)
	if err != nil {
		s.renderer.render(c, NewUnavailable("graph lookup failed", err))
		return
	}
	if entity == nil {
		s.renderer.render(c, NewNotFound("entity not found: "+entityID))
		return
	}

	s.respond(c, http.StatusOK, entity)
}

func (s *Server) handleGraphRelationships(c *gin.Context) {
	entityID := c.Param("id")

	relationships, err := s.graph.GetRelationships(c.Request.Context(), entityID)
	if err != nil {
		s.renderer.render(c, NewUnavailable("relationship lookup failed", err))
		return
	}

	s.respond(c, http.StatusOK, gin.H{
		"entityId":      entityID,
		"relationships": relationships,
		"count":         len(relationships),
	})
}

// handleCodeAnalyze forwards an analysis request to the code
// collaborator.
func (s *Server) handleCodeAnalyze(c *gin.Context) {
	var body struct {
		Path    string                 `json:"path" binding:"required"`
		Options map[string]interface{} `json:"options"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.renderer.renderValidation(c, "path is required")
		return
	}

	result, err := s.analyzer.Analyze(c.Request.Context(), body.Path, body.Options)
	if err != nil {
		s.renderer.render(c, NewUnavailable("code analysis failed", err))
		return
	}

	s.respond(c, http.StatusOK, result)
}
