package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the coordinator. Heartbeats are deliberately not
// logged: renewals are high frequency and carry no audit value.
const (
	ItemCreated   = "item.created"
	ItemClaimed   = "item.claimed"
	ItemCompleted = "item.completed"
	ItemFailed    = "item.failed"
	ItemReleased  = "item.released"
	ItemReclaimed = "item.reclaimed"
	ItemPriority  = "item.priority"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the audit row
// commits or rolls back with the lease transition it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, itemKey, agentID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,item_key,agent_id,payload) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(itemKey), nullable(agentID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
