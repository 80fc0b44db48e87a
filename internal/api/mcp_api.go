package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/mcp"
)

// handleRPC serves the JSON-RPC transports (/mcp, /api/trpc). Responses
// follow the JSON-RPC framing, not the REST envelope; protocol errors
// stay in the body with HTTP 200.
func (s *Server) handleRPC(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.renderer.renderValidation(c, "unable to read request body")
		return
	}

	result := s.rpcRouter.Dispatch(c.Request.Context(), raw)
	if result == nil {
		// Notification-only payloads get no body
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleMCPTools lists the registered tool descriptors
func (s *Server) handleMCPTools(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{
		"tools": s.rpcRouter.Registry().List(),
		"count": s.rpcRouter.Registry().Count(),
	})
}

// handleMCPToolCall invokes one tool by path parameter with a JSON body
// of arguments.
func (s *Server) handleMCPToolCall(c *gin.Context) {
	name := c.Param("name")
	if !s.rpcRouter.Registry().Has(name) {
		s.renderer.render(c, NewNotFound("unknown tool: "+name))
		return
	}

	var args map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			s.renderer.renderValidation(c, "arguments must be a JSON object")
			return
		}
	}

	payload := mcp.Request{ToolName: name, Arguments: args}
	raw, err := marshalRequest(payload)
	if err != nil {
		s.renderer.render(c, err)
		return
	}

	result := s.rpcRouter.Dispatch(c.Request.Context(), raw)
	c.JSON(http.StatusOK, result)
}

func marshalRequest(req mcp.Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode tool request")
	}
	return raw, nil
}

func (s *Server) handleMCPHealth(c *gin.Context) {
	health := s.rpcRouter.Recorder().Health()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.respond(c, status, health)
}

func (s *Server) handleMCPMetrics(c *gin.Context) {
	s.respond(c, http.StatusOK, s.rpcRouter.Recorder().Metrics())
}

func (s *Server) handleMCPHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.renderer.renderValidation(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	history := s.rpcRouter.Recorder().History(limit)
	s.respond(c, http.StatusOK, gin.H{
		"executions": history,
		"count":      len(history),
	})
}

func (s *Server) handleMCPPerformance(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{
		"tools": s.rpcRouter.Recorder().Performance(),
	})
}

func (s *Server) handleMCPStats(c *gin.Context) {
	s.respond(c, http.StatusOK, s.rpcRouter.Recorder().Stats())
}
