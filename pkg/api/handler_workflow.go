package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/ameliahq/amelia/pkg/models"
)

// createWorkflowHandler handles POST /api/v1/workflows.
func (s *Server) createWorkflowHandler(c *echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error: "invalid request body",
			Code:  codeValidation,
		})
	}

	w, err := s.orch.Create(c.Request().Context(), models.CreateWorkflowRequest{
		IssueID:      req.IssueID,
		WorktreePath: req.WorktreePath,
		WorktreeName: req.WorktreeName,
		ProfileID:    req.Profile,
		PlanNow:      req.PlanNow,
		SkipApproval: req.SkipApproval,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, w)
}

// listWorkflowsHandler handles GET /api/v1/workflows.
func (s *Server) listWorkflowsHandler(c *echo.Context) error {
	filters := models.WorkflowFilters{
		Worktree: c.QueryParam("worktree"),
		Cursor:   c.QueryParam("cursor"),
	}
	if v := c.QueryParam("status"); v != "" {
		status := models.Status(v)
		if !status.Valid() {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Error: "invalid status: " + v,
				Code:  codeValidation,
			})
		}
		filters.Status = status
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Error: "invalid limit: must be 1-100",
				Code:  codeValidation,
			})
		}
		filters.Limit = n
	}

	page, err := s.orch.List(c.Request().Context(), filters)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// activeWorkflowsHandler handles GET /api/v1/workflows/active. It
// returns every non-terminal workflow without pagination so a dashboard
// can seed its view before subscribing to the event stream.
func (s *Server) activeWorkflowsHandler(c *echo.Context) error {
	list, err := s.orch.ListActive(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": list})
}

// getWorkflowHandler handles GET /api/v1/workflows/:id. It returns the
// aggregated detail: workflow row, latest review, token usage, recent
// events.
func (s *Server) getWorkflowHandler(c *echo.Context) error {
	detail, err := s.orch.Detail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// workflowEventsHandler handles GET /api/v1/workflows/:id/events with
// ?after_sequence=<n>&limit=<n> for REST-based replay.
func (s *Server) workflowEventsHandler(c *echo.Context) error {
	var after int64
	if v := c.QueryParam("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Error: "invalid after_sequence: must be a non-negative sequence",
				Code:  codeValidation,
			})
		}
		after = n
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Error: "invalid limit: must be 1-1000",
				Code:  codeValidation,
			})
		}
		limit = n
	}

	list, err := s.orch.Events(c.Request().Context(), c.Param("id"), after, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": list})
}
