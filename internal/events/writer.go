package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds recorded in the event log.
const (
	KindTask         = "task"
	KindInstallation = "installation"
	KindDeployment   = "deployment"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is an event appended inside a transaction.
type Record struct {
	ID         int64
	TS         string
	Type       string
	CustomerID string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes an event row inside tx and returns the stored record.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, customerID, entityKind, entityID, actorID string, payload EventPayload) (Record, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,customer_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(customerID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return Record{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	id, _ := res.LastInsertId()
	return Record{
		ID:         id,
		TS:         ts,
		Type:       evtType,
		CustomerID: customerID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
