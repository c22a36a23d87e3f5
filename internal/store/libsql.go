package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/crewflow/pkg/schema"
)

// LibSQLLog is a RunLog on libSQL (embedded SQLite fork).
type LibSQLLog struct {
	db *sql.DB
}

// NewLibSQLLog opens the database at dsn, e.g. "file:/var/lib/crewflow/runlog.db",
// and applies pending migrations.
func NewLibSQLLog(ctx context.Context, dsn string) (*LibSQLLog, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer keeps per-workflow sequence allocation race free.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow rather than Exec.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRowContext(ctx, p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLLog{db: db}, nil
}

// DB returns the underlying handle.
func (l *LibSQLLog) DB() *sql.DB { return l.db }

func (l *LibSQLLog) Close() error { return l.db.Close() }

// Vacuum reclaims space after large prunes.
func (l *LibSQLLog) Vacuum(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "VACUUM")
	return err
}

// Append allocates the next per-workflow sequence and inserts the event in
// one transaction. The sequence upsert is the first statement, so the write
// lock is held before anything is read.
func (l *LibSQLLog) Append(ctx context.Context, event *schema.Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO workflow_sequences (workflow_id, last) VALUES (?, 1)
		 ON CONFLICT(workflow_id) DO UPDATE SET last = last + 1
		 RETURNING last`, event.WorkflowID,
	).Scan(&seq); err != nil {
		return storeError("next sequence", err)
	}

	ts := timeOrNow(event.Timestamp)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_index, agent_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullInt(event.StepIndex), nullStr(event.AgentID), event.Type,
		nullRaw(event.Payload), ts.UnixNano(), seq,
	)
	if err != nil {
		return storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit event", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	event.Sequence = seq
	event.Timestamp = ts
	return nil
}

func (l *LibSQLLog) Events(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_index, agent_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, storeError("query events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Prune deletes events older than before. Sequence counters are kept.
func (l *LibSQLLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, storeError("prune", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var (
			stepIndex sql.NullInt64
			agentID   sql.NullString
			payload   sql.NullString
			ts        int64
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepIndex, &agentID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			e.StepIndex = &idx
		}
		e.AgentID = agentID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("read events", err)
	}
	return events, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
