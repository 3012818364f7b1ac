package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// planHandler handles POST /api/v1/workflows/:id/plan.
func (s *Server) planHandler(c *echo.Context) error {
	w, err := s.orch.Plan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, w)
}

// approveHandler handles POST /api/v1/workflows/:id/approve.
func (s *Server) approveHandler(c *echo.Context) error {
	w, err := s.orch.Approve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, w)
}

// rejectHandler handles POST /api/v1/workflows/:id/reject.
func (s *Server) rejectHandler(c *echo.Context) error {
	var req commandRequest
	_ = c.Bind(&req) // body is optional

	w, err := s.orch.Reject(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

// replanHandler handles POST /api/v1/workflows/:id/replan.
func (s *Server) replanHandler(c *echo.Context) error {
	var req commandRequest
	_ = c.Bind(&req) // body is optional

	w, err := s.orch.Replan(c.Request().Context(), c.Param("id"), req.Feedback)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, w)
}

// cancelHandler handles POST /api/v1/workflows/:id/cancel.
func (s *Server) cancelHandler(c *echo.Context) error {
	w, err := s.orch.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

// setPlanHandler handles PUT /api/v1/workflows/:id/plan.
func (s *Server) setPlanHandler(c *echo.Context) error {
	var req setPlanRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error: "invalid request body",
			Code:  codeValidation,
		})
	}

	w, err := s.orch.SetPlan(c.Request().Context(), c.Param("id"), req.PlanMarkdown)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}
