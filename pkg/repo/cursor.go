package repo

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ameliahq/amelia/pkg/models"
)

// ErrInvalidCursor marks a pagination token that cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// cursorEpoch stands in for a missing started_at on both sides of the
// keyset comparison. It must match the 'epoch' literal the SQL uses.
var cursorEpoch = time.Unix(0, 0).UTC()

// listCursor is the keyset-pagination tie-break tuple for workflow
// listings ordered by (started_at DESC, id DESC). Workflows that have
// not started yet sort last at the epoch sentinel.
type listCursor struct {
	StartedAt time.Time `json:"s"`
	ID        string    `json:"i"`
}

// startedOrEpoch is the cursor-side view of a workflow's sort key.
func startedOrEpoch(w *models.Workflow) time.Time {
	if w.StartedAt != nil {
		return *w.StartedAt
	}
	return cursorEpoch
}

// encodeCursor renders the tuple as an opaque base64 token.
func encodeCursor(c listCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor parses a token produced by encodeCursor.
func decodeCursor(token string) (listCursor, error) {
	var c listCursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return c, nil
}
