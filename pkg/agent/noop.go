package agent

import (
	"context"

	"github.com/ameliahq/amelia/pkg/models"
)

// NoopTracker returns the issue id as a bare issue. Used when no
// external tracker is configured; the architect works from the issue
// id and whatever it finds in the worktree.
type NoopTracker struct{}

func (NoopTracker) GetIssue(_ context.Context, id string) (*models.Issue, error) {
	return &models.Issue{ID: id, Title: id}, nil
}
