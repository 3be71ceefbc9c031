package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Actor types recorded in the log.
const (
	ActorStaff   = "staff"
	ActorStudent = "student"
	ActorSystem  = "system"
)

// Entry is one append-only audit record. Entries are never updated or
// deleted; purge-all of artifacts still leaves its own trail here.
type Entry struct {
	ID          int64           `json:"id"`
	Action      string          `json:"action"`
	ActorType   string          `json:"actor_type"`
	ActorID     string          `json:"actor_id"`
	Target      string          `json:"target"`
	RequestData json.RawMessage `json:"request_data,omitempty"`
	Result      string          `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Store struct {
	DB *sql.DB
}

// Log appends one entry. Failures are returned but callers on hot paths
// typically log and continue; audit must not take the request down.
func (s *Store) Log(ctx context.Context, e Entry) error {
	data := e.RequestData
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor_type, actor_id, target, request_data, result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.Action, e.ActorType, e.ActorID, e.Target, string(data), e.Result, time.Now().Unix())
	return err
}

// List returns entries newest first, with the total count for paging.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, action, actor_type, actor_id, target, request_data, result, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return scanEntries(rows, total)
}

// ForTarget returns all entries touching one target (e.g. an artifact uuid).
func (s *Store) ForTarget(ctx context.Context, target string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, action, actor_type, actor_id, target, request_data, result, created_at
		FROM audit_log WHERE target=$1 ORDER BY id`, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, _, err := scanEntries(rows, 0)
	return out, err
}

func scanEntries(rows *sql.Rows, total int) ([]Entry, int, error) {
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			data    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorType, &e.ActorID, &e.Target, &data, &e.Result, &created); err != nil {
			return nil, 0, err
		}
		e.RequestData = json.RawMessage(data)
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	return out, total, rows.Err()
}
