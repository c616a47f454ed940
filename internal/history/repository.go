package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Query limits.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Entry is one journaled connection event.
type Entry struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind"`
	From    string        `json:"from,omitempty"`
	To      string        `json:"to,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"-"` // delay_ms on the wire
	Topic   string        `json:"topic,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

type entryAlias Entry

// entryJSON is Entry on the wire with Delay in whole milliseconds.
type entryJSON struct {
	entryAlias
	DelayMS int64 `json:"delay_ms,omitempty"`
}

// MarshalJSON encodes Delay as delay_ms.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{entryAlias: entryAlias(e), DelayMS: e.Delay.Milliseconds()})
}

// UnmarshalJSON decodes delay_ms into Delay.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var v entryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = Entry(v.entryAlias)
	e.Delay = time.Duration(v.DelayMS) * time.Millisecond
	return nil
}

// Outcome is one journaled report attempt.
type Outcome struct {
	ID     string    `json:"id"`
	Topic  string    `json:"topic"`
	Result string    `json:"result"`
	At     time.Time `json:"at"`
}

// Filter controls which entries Recent returns.
type Filter struct {
	Kind  string    // optional: state_changed, subscribed, subscribe_failed
	Since time.Time // optional: inclusive lower bound
	Limit int       // default 50, max 500
}

// Repository stores the journal.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	RecordOutcome(ctx context.Context, o *Outcome) error
	Recent(ctx context.Context, f Filter) ([]Entry, error)
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository keeps the journal in the connection_events and
// report_outcomes tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an entry. ID and At are filled in if empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connection_events (id, at, kind, from_state, to_state, attempt, delay_ms, topic, reason, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), e.Kind,
		nullableString(e.From), nullableString(e.To),
		e.Attempt, e.Delay.Milliseconds(),
		nullableString(e.Topic), nullableString(e.Reason), nullableString(e.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// RecordOutcome inserts a report outcome. ID and At are filled in if empty.
func (r *SQLiteRepository) RecordOutcome(ctx context.Context, o *Outcome) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO report_outcomes (id, at, topic, result) VALUES (?, ?, ?, ?)",
		o.ID, formatTime(o.At), o.Topic, o.Result,
	)
	if err != nil {
		return fmt.Errorf("inserting report outcome: %w", err)
	}
	return nil
}

// Recent returns entries matching f, newest first.
func (r *SQLiteRepository) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var conditions []string
	var args []any
	if f.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "at >= ?")
		args = append(args, formatTime(f.Since))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, clampLimit(f.Limit))

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, at, kind, from_state, to_state, attempt, delay_ms, topic, reason, error
		 FROM connection_events %s ORDER BY at DESC, rowid DESC LIMIT ?`, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var at string
		var delayMS int64
		var from, to, topic, reason, errText sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.Kind, &from, &to, &e.Attempt, &delayMS, &topic, &reason, &errText); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		e.From, e.To, e.Topic = from.String, to.String, topic.String
		e.Reason, e.Error = reason.String, errText.String
		e.Delay = time.Duration(delayMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return entries, nil
}

// RecentOutcomes returns the latest report outcomes, newest first.
func (r *SQLiteRepository) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, at, topic, result FROM report_outcomes ORDER BY at DESC, rowid DESC LIMIT ?",
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying report outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []Outcome{}
	for rows.Next() {
		var o Outcome
		var at string
		if err := rows.Scan(&o.ID, &at, &o.Topic, &o.Result); err != nil {
			return nil, fmt.Errorf("scanning report outcome: %w", err)
		}
		if o.At, err = parseTime(at); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating report outcomes: %w", err)
	}
	return outcomes, nil
}

// Prune deletes rows older than before from both tables and returns the
// number removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	var total int64
	for _, table := range []string{"connection_events", "report_outcomes"} {
		res, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE at < ?", cutoff) //nolint:gosec // fixed table names
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing journal timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
