package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/casualmcp/casualmcp/internal/chat"
	"github.com/casualmcp/casualmcp/internal/llm"
	"github.com/casualmcp/casualmcp/internal/toolset"
)

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	Model        string        `json:"model" validate:"required"`
	SystemPrompt string        `json:"system_prompt"`
	Messages     []llm.Message `json:"messages" validate:"required,min=1"`
	IncludeStats bool          `json:"include_stats"`
	ToolSet      string        `json:"tool_set"`
}

// ChatResponse is the POST /chat reply.
type ChatResponse struct {
	Messages []llm.Message `json:"messages"`
	Response string        `json:"response"`
	Stats    *chat.Stats   `json:"stats,omitempty"`
}

// ToolSetInfo describes one configured toolset in GET /toolsets.
type ToolSetInfo struct {
	Description string   `json:"description"`
	Servers     []string `json:"servers"`
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleChat handles POST /chat.
func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ts, err := s.resolveToolSet(req.ToolSet)
	if err != nil {
		return err
	}

	messages, err := s.chatSvc.Chat(c.Request().Context(), req.Messages, chat.ChatOptions{
		Model:   req.Model,
		System:  req.SystemPrompt,
		ToolSet: ts,
	})
	if err != nil {
		return s.chatError(err)
	}

	if len(messages) == 0 {
		return echo.NewHTTPError(http.StatusInternalServerError, "No response generated")
	}

	resp := ChatResponse{
		Messages: messages,
		Response: messages[len(messages)-1].Content,
	}
	if req.IncludeStats {
		resp.Stats = s.chatSvc.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListToolSets handles GET /toolsets.
func (s *Server) handleListToolSets(c echo.Context) error {
	result := make(map[string]ToolSetInfo, len(s.appCfg.ToolSets))
	for name, ts := range s.appCfg.ToolSets {
		servers := make([]string, 0, len(ts.Servers))
		for server := range ts.Servers {
			servers = append(servers, server)
		}
		sort.Strings(servers)
		result[name] = ToolSetInfo{
			Description: ts.Description,
			Servers:     servers,
		}
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) resolveToolSet(name string) (*toolset.Config, error) {
	if name == "" {
		return nil, nil
	}
	ts, ok := s.appCfg.ToolSets[name]
	if !ok {
		available := make([]string, 0, len(s.appCfg.ToolSets))
		for n := range s.appCfg.ToolSets {
			available = append(available, n)
		}
		sort.Strings(available)
		return nil, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("Toolset '%s' not found. Available: %v", name, available))
	}
	return &ts, nil
}

// chatError maps chat failures onto HTTP statuses. Validation-shaped
// errors are the client's fault; everything else is reported as internal
// without leaking detail.
func (s *Server) chatError(err error) error {
	var verr *toolset.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, chat.ErrNoModel),
		errors.Is(err, llm.ErrUnknownModel),
		errors.Is(err, llm.ErrUnknownClient):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Unexpected error in /chat")
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}
}
