// Package history keeps a log of finished jobs in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/log"
)

const maxStderrBytes = 64 * 1024

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrAmbiguous is returned by Resolve when a prefix matches several jobs.
	ErrAmbiguous = errors.New("job id prefix is ambiguous")
)

// Entry is one finished job.
type Entry struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	Class       string        `json:"class"`
	Operation   string        `json:"operation"`
	Outcome     string        `json:"outcome"`
	Message     string        `json:"message,omitempty"`
	PID         int           `json:"pid"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Stderr      string        `json:"stderr,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Class   string
	Outcome string
	Limit   int
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EntryFor builds the log entry for a job outcome.
func EntryFor(j *jobs.Job, out jobs.Outcome) Entry {
	e := Entry{
		ID:          j.ID,
		RequestID:   j.RequestID,
		Class:       string(j.Class),
		Operation:   string(j.Operation),
		Outcome:     out.Kind.String(),
		PID:         j.PID(),
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CreatedAt.Add(out.Duration),
		Duration:    out.Duration,
		Stderr:      out.Stderr,
	}
	if out.Kind != jobs.Completed {
		e.Message = out.Message
	}
	return e
}

// Recorder returns an Executor.OnFinish hook that appends every outcome.
// Write failures are logged, never returned to the request path.
func (s *Store) Recorder() func(*jobs.Job, jobs.Outcome) {
	logger := log.WithComponent("history")
	return func(j *jobs.Job, out jobs.Outcome) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, EntryFor(j, out)); err != nil {
			logger.Error("failed to record job", "job_id", j.ID, "error", err)
		}
	}
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	stderr := e.Stderr
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log(
  id, request_id, class, operation, outcome, message, pid, created_at, completed_at, duration_ms, stderr
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.RequestID, e.Class, e.Operation, e.Outcome, nullable(e.Message), e.PID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.CompletedAt.UTC().Format(time.RFC3339Nano),
		e.Duration.Milliseconds(), nullable(stderr))
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Class != "" {
		where = append(where, "class = ?")
		args = append(args, f.Class)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY completed_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list job_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Resolve finds an entry by full id or by a unique id prefix, as shown
// by the monitor.
func (s *Store) Resolve(ctx context.Context, idOrPrefix string) (Entry, error) {
	e, err := s.Get(ctx, idOrPrefix)
	if !errors.Is(err, ErrNotFound) || idOrPrefix == "" {
		return e, err
	}
	pattern := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(idOrPrefix) + "%"
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE id LIKE ? ESCAPE '\' LIMIT 2`, pattern)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve job_log: %w", err)
	}
	defer rows.Close()
	var found []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Entry{}, err
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return Entry{}, err
	}
	switch len(found) {
	case 0:
		return Entry{}, ErrNotFound
	case 1:
		return found[0], nil
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrAmbiguous, idOrPrefix)
}

// Prune deletes entries completed more than retention ago.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `
SELECT id, request_id, class, operation, outcome, message, pid, created_at, completed_at, duration_ms, stderr
FROM job_log`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e          Entry
		message    sql.NullString
		stderr     sql.NullString
		createdAt  string
		finishedAt string
		durationMS int64
	)
	if err := row.Scan(&e.ID, &e.RequestID, &e.Class, &e.Operation, &e.Outcome, &message, &e.PID,
		&createdAt, &finishedAt, &durationMS, &stderr); err != nil {
		return Entry{}, err
	}
	e.Message = message.String
	e.Stderr = stderr.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
		e.CompletedAt = t
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
