package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ameliahq/amelia/pkg/orchestrator"
	"github.com/ameliahq/amelia/pkg/repo"
)

// retryAfterSeconds is advertised on 429 responses.
const retryAfterSeconds = "30"

// Stable machine-readable error codes.
const (
	codeNotFound     = "NOT_FOUND"
	codeConflict     = "WORKFLOW_CONFLICT"
	codeInvalidState = "INVALID_STATE"
	codeLimit        = "CONCURRENCY_LIMIT"
	codeValidation   = "VALIDATION_ERROR"
	codeInternal     = "INTERNAL_ERROR"
)

// errorResponse is the error body: {"error": "...", "code": "...",
// "details": {...}}.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps orchestrator errors to HTTP responses.
func writeError(c *echo.Context, err error) error {
	var validErr *orchestrator.ValidationError
	if errors.As(err, &validErr) {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error: validErr.Error(),
			Code:  codeValidation,
			Details: map[string]any{
				"field": validErr.Field,
			},
		})
	}

	if errors.Is(err, repo.ErrInvalidCursor) {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Code:  codeValidation,
		})
	}

	if errors.Is(err, repo.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{
			Error: "workflow not found",
			Code:  codeNotFound,
		})
	}

	var conflict *orchestrator.ConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, errorResponse{
			Error: conflict.Error(),
			Code:  codeConflict,
			Details: map[string]any{
				"worktree_path":      conflict.WorktreePath,
				"incumbent_workflow": conflict.IncumbentID,
			},
		})
	}

	var invalid *orchestrator.InvalidStateError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{
			Error: invalid.Error(),
			Code:  codeInvalidState,
			Details: map[string]any{
				"status":  string(invalid.Status),
				"command": invalid.Command,
			},
		})
	}

	var limit *orchestrator.LimitError
	if errors.As(err, &limit) {
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			Error: limit.Error(),
			Code:  codeLimit,
			Details: map[string]any{
				"limit": limit.Limit,
			},
		})
	}

	slog.Error("Unexpected orchestrator error", "error", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error: "internal server error",
		Code:  codeInternal,
	})
}
