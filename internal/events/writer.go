package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	TypeProjectCreated       = "project.created"
	TypeProjectConfigUpdated = "project.config_updated"
	TypeChangeCreated        = "change.created"
	TypeChangeTransitioned   = "change.transitioned"
	TypeAssessmentEvaluated  = "assessment.evaluated"
	TypeAssessmentSummary    = "assessment.summary_updated"
	TypeAPIKeyCreated        = "apikey.created"
)

// Entity kinds.
const (
	EntityProject    = "project"
	EntityChange     = "change_request"
	EntityAssessment = "assessment"
	EntityAPIKey     = "api_key"
)

type Payload map[string]any

// Entry is one audit record before it is stored.
type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

// Writer appends audit entries inside the caller's transaction so the entry
// commits or rolls back with the change it describes.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
