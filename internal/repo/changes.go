package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"safeline/internal/change"
)

// SaveChange upserts the change request row and appends any events not yet
// stored. Stored events are never rewritten: a log shorter than the stored
// one, or one whose stored prefix differs, is refused.
func (r Repo) SaveChange(ctx context.Context, tx *sql.Tx, c change.ChangeRequest, now time.Time) error {
	q := r.q(tx)
	head := c
	head.Events = nil
	data, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("marshal change request: %w", err)
	}
	ts := FormatTime(now)
	_, err = q.ExecContext(ctx, `INSERT INTO change_requests(id,project_id,title,type,priority,status,data_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, type=excluded.type, priority=excluded.priority, status=excluded.status, data_json=excluded.data_json, updated_at=excluded.updated_at`,
		c.ID, c.ProjectID, c.Title, string(c.Type), string(c.Priority), string(c.Status), string(data), FormatTime(c.CreatedAt), ts)
	if err != nil {
		return fmt.Errorf("upsert change request: %w", err)
	}

	stored, err := r.changeEvents(ctx, q, c.ID)
	if err != nil {
		return err
	}
	if len(stored) > len(c.Events) {
		return fmt.Errorf("change %s: event log shrank from %d to %d", c.ID, len(stored), len(c.Events))
	}
	for i, ev := range stored {
		if !ev.Timestamp.Equal(c.Events[i].Timestamp) || ev.Action != c.Events[i].Action || ev.User != c.Events[i].User {
			return fmt.Errorf("change %s: event %d differs from stored log", c.ID, i)
		}
	}
	for i := len(stored); i < len(c.Events); i++ {
		ev := c.Events[i]
		if _, err := q.ExecContext(ctx, `INSERT INTO change_events(change_id,seq,ts,user_id,action,description) VALUES (?,?,?,?,?,?)`,
			c.ID, i, FormatTime(ev.Timestamp), ev.User, ev.Action, ev.Description); err != nil {
			return fmt.Errorf("append change event %d: %w", i, err)
		}
	}
	return nil
}

// GetChange loads a change request with its full event log.
func (r Repo) GetChange(ctx context.Context, tx *sql.Tx, id string) (change.ChangeRequest, error) {
	q := r.q(tx)
	var data string
	err := q.QueryRowContext(ctx, `SELECT data_json FROM change_requests WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return change.ChangeRequest{}, ErrNotFound
	}
	if err != nil {
		return change.ChangeRequest{}, err
	}
	var c change.ChangeRequest
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return change.ChangeRequest{}, fmt.Errorf("decode change request %s: %w", id, err)
	}
	events, err := r.changeEvents(ctx, q, id)
	if err != nil {
		return change.ChangeRequest{}, err
	}
	c.Events = events
	return c, nil
}

func (r Repo) changeEvents(ctx context.Context, q querier, id string) ([]change.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT ts,user_id,action,description FROM change_events WHERE change_id=? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []change.Event{}
	for rows.Next() {
		var (
			ev change.Event
			ts string
		)
		if err := rows.Scan(&ts, &ev.User, &ev.Action, &ev.Description); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = time.Parse(TimeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse change event ts %q: %w", ts, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type ChangeFilters struct {
	ProjectID string
	Status    string
	Type      string
	Limit     int
	// Cursor: return rows strictly older than (CursorCreatedAt, CursorID).
	CursorCreatedAt string
	CursorID        string
}

// ListChanges returns change requests newest first. Event logs are not
// loaded; use GetChange for the full aggregate.
func (r Repo) ListChanges(ctx context.Context, f ChangeFilters) ([]change.ChangeRequest, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT data_json FROM change_requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []change.ChangeRequest
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c change.ChangeRequest
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, err
		}
		c.Events = []change.Event{}
		res = append(res, c)
	}
	return res, rows.Err()
}
