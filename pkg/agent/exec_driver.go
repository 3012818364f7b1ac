package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ameliahq/amelia/pkg/models"
)

// ExecDriver shells out to a coding-agent CLI. The prompt goes to
// stdin; the CLI prints a single JSON document on stdout:
//
//	{
//	  "output": "...",
//	  "session_id": "...",
//	  "tokens": {"input_tokens": 0, "output_tokens": 0, "total_tokens": 0, "cost_usd": 0}
//	}
//
// Session resumption and model selection are passed as flags.
type ExecDriver struct {
	// Command is the CLI binary, e.g. "claude" or "codex".
	Command string
	// Args are prepended before the generated flags.
	Args []string
}

// NewExecDriver creates a driver for the given CLI.
func NewExecDriver(command string, args ...string) *ExecDriver {
	return &ExecDriver{Command: command, Args: args}
}

type execOutput struct {
	Output    string             `json:"output"`
	SessionID string             `json:"session_id"`
	Tokens    models.AgentTokens `json:"tokens"`
}

func (d *ExecDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	args := append([]string(nil), d.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	cmd := exec.CommandContext(ctx, d.Command, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", d.Command, err, truncate(stderr.String(), 500))
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%s produced invalid output: %w", d.Command, err)
	}
	return &GenerateResult{
		Output:    out.Output,
		SessionID: out.SessionID,
		Tokens:    out.Tokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
