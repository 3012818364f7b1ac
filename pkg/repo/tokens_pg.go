package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ameliahq/amelia/pkg/models"
)

// PostgresTokenRepo implements TokenRepo on PostgreSQL.
type PostgresTokenRepo struct {
	db *sqlx.DB
}

// NewPostgresTokenRepo creates a token usage repository.
func NewPostgresTokenRepo(db *sqlx.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// AddUsage folds a usage delta into the running per-agent sums.
func (r *PostgresTokenRepo) AddUsage(ctx context.Context, workflowID, agent string, usage models.AgentTokens) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_usage (workflow_id, agent, input_tokens, output_tokens, total_tokens, cost_usd, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (workflow_id, agent) DO UPDATE SET
		   input_tokens  = token_usage.input_tokens  + EXCLUDED.input_tokens,
		   output_tokens = token_usage.output_tokens + EXCLUDED.output_tokens,
		   total_tokens  = token_usage.total_tokens  + EXCLUDED.total_tokens,
		   cost_usd      = token_usage.cost_usd      + EXCLUDED.cost_usd,
		   updated_at    = now()`,
		workflowID, agent, usage.InputTokens, usage.OutputTokens, usage.TotalTokens, usage.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to add token usage: %w", err)
	}
	return nil
}

// GetByWorkflow returns all per-agent usage rows for the workflow.
func (r *PostgresTokenRepo) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.TokenUsage, error) {
	var rows []*models.TokenUsage
	err := r.db.SelectContext(ctx, &rows,
		`SELECT workflow_id, agent, input_tokens, output_tokens, total_tokens, cost_usd, updated_at
		 FROM token_usage WHERE workflow_id = $1 ORDER BY agent`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get token usage: %w", err)
	}
	return rows, nil
}
