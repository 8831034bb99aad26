package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics published by the core.
const (
	TopicClaimCreated  = "claim.created"
	TopicVoteRecorded  = "vote.recorded"
	TopicClaimResolved = "claim.resolved"
)

// Writer appends messages to the transactional outbox. Rows are written in
// the caller's transaction so an event is visible iff the operation that
// produced it committed.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
