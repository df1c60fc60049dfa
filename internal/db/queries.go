package db

import (
	"context"
	"encoding/json"
	"fmt"

	"ohbridge/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trigger_history (
	id          BIGSERIAL PRIMARY KEY,
	node        TEXT        NOT NULL,
	item        TEXT        NOT NULL DEFAULT '',
	state       TEXT        NOT NULL DEFAULT '',
	is_end      BOOLEAN     NOT NULL DEFAULT FALSE,
	payload     JSONB,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS trigger_history_node_idx ON trigger_history (node, recorded_at DESC);
`

// EnsureSchema creates the history table if needed
func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schema)
	return err
}

// RecordMessage stores one emitted trigger message
func (d *DB) RecordMessage(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("db: encode payload: %w", err)
	}
	item, state := msg.Item, ""
	if msg.Trigger != nil {
		item, state = msg.Trigger.Item, msg.Trigger.State
	}
	_, err = d.pool.Exec(ctx,
		"INSERT INTO trigger_history (node, item, state, is_end, payload) VALUES ($1, $2, $3, $4, $5)",
		msg.Node, item, state, msg.End, payload)
	return err
}

// History returns the latest entries of a node, newest first
func (d *DB) History(ctx context.Context, node string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.pool.Query(ctx,
		"SELECT id, node, item, state, is_end, payload, recorded_at FROM trigger_history WHERE node = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2",
		node, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Node, &e.Item, &e.State, &e.End, &e.Payload, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
