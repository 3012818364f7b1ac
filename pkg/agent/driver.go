package agent

import (
	"context"

	"github.com/ameliahq/amelia/pkg/models"
)

// Driver is the opaque binding to a coding-agent backend. The
// orchestrator core never interprets driver output beyond the
// structured result; session continuity and tool use are the driver's
// business.
type Driver interface {
	// Generate runs one prompt against the backend. A non-empty
	// SessionID resumes that backend session.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// GenerateRequest is one driver invocation.
type GenerateRequest struct {
	SessionID  string
	Prompt     string
	WorkingDir string
	Model      string
}

// GenerateResult is the driver's structured output.
type GenerateResult struct {
	Output    string
	SessionID string
	Tokens    models.AgentTokens
}
