package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/storage"
)

//go:embed schema.sql
var schema string

// DBFile is the database file name inside a namespace root.
const DBFile = "interlock.db"

var (
	_ storage.Namespace = (*Store)(nil)
	_ storage.Locker    = (*Store)(nil)
)

type Store struct {
	db    dbHandle
	flock *lock.FileLock
	// failOpen skips rows that cannot be decoded instead of failing the
	// whole read with core.ErrStorageCorrupt.
	failOpen bool
}

// New opens (creating if needed) the database at path. The namespace file
// lock lives next to it.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection keeps PRAGMAs on the same handle.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout=5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:    newQueryLogger(db),
		flock: lock.NewFileLock(filepath.Join(filepath.Dir(path), ".lock")),
	}, nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: newQueryLogger(db)}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Lock takes the cross-process namespace lock. In-memory stores are private
// to the process and need none.
func (s *Store) Lock(ctx context.Context) error {
	if s.flock == nil {
		return nil
	}
	return s.flock.Lock(ctx)
}

func (s *Store) Unlock() error {
	if s.flock == nil {
		return nil
	}
	return s.flock.Unlock()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// skipCorrupt reports whether a row that failed to decode with err should be
// dropped from the result.
func (s *Store) skipCorrupt(table string, err error) bool {
	if !s.failOpen || !errors.Is(err, core.ErrStorageCorrupt) {
		return false
	}
	log.Warn().Err(err).Str("table", table).Msg("skipping unreadable row")
	return true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", core.ErrStorageCorrupt, s)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (core.Lease, error) {
	var (
		l                 core.Lease
		acquired, expires string
	)
	if err := row.Scan(&l.Resource, &l.Owner, &acquired, &expires, &l.Reason); err != nil {
		return core.Lease{}, err
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return core.Lease{}, err
	}
	if l.ExpiresAt, err = parseTime(expires); err != nil {
		return core.Lease{}, err
	}
	return l, nil
}

func (s *Store) ListLeases(ctx context.Context) ([]core.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, owner, acquired_at, expires_at, reason FROM leases ORDER BY resource ASC`)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	out := make([]core.Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if s.skipCorrupt("leases", err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetLease(ctx context.Context, resource string) (core.Lease, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource, owner, acquired_at, expires_at, reason FROM leases WHERE resource = ?`, resource)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) || s.skipCorrupt("leases", err) {
		return core.Lease{}, core.ErrNotFound
	}
	if err != nil {
		return core.Lease{}, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

func (s *Store) PutLease(ctx context.Context, l core.Lease) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (resource, owner, acquired_at, expires_at, reason)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(resource) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at,
		   expires_at=excluded.expires_at, reason=excluded.reason`,
		l.Resource, l.Owner, formatTime(l.AcquiredAt), formatTime(l.ExpiresAt), l.Reason,
	)
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}

func (s *Store) DeleteLease(ctx context.Context, resource string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE resource = ?`, resource); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

func scanAgent(row scanner) (core.Agent, error) {
	var (
		a                      core.Agent
		capsJSON, status       string
		lastSeen, registeredAt string
	)
	if err := row.Scan(&a.ID, &capsJSON, &status, &lastSeen, &a.CurrentTask, &registeredAt); err != nil {
		return core.Agent{}, err
	}
	a.Status = core.AgentStatus(status)
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return core.Agent{}, fmt.Errorf("%w: capabilities of %s: %v", core.ErrStorageCorrupt, a.ID, err)
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	var err error
	if a.LastSeen, err = parseTime(lastSeen); err != nil {
		return core.Agent{}, err
	}
	if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return core.Agent{}, err
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capabilities_json, status, last_seen, current_task, registered_at FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	out := make([]core.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if s.skipCorrupt("agents", err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capabilities_json, status, last_seen, current_task, registered_at FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) || s.skipCorrupt("agents", err) {
		return core.Agent{}, core.ErrNotFound
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) PutAgent(ctx context.Context, a core.Agent) error {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, _ := json.Marshal(caps)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, capabilities_json, status, last_seen, current_task, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET capabilities_json=excluded.capabilities_json, status=excluded.status,
		   last_seen=excluded.last_seen, current_task=excluded.current_task, registered_at=excluded.registered_at`,
		a.ID, string(capsJSON), string(a.Status), formatTime(a.LastSeen), a.CurrentTask, formatTime(a.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev core.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, ts, agent, action, resource, reason, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, formatTime(ev.TS), ev.Agent, string(ev.Action), ev.Resource, ev.Reason, ev.Details,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func eventWhere(filter core.EventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Agent != "" {
		clauses = append(clauses, "agent = ?")
		args = append(args, filter.Agent)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) QueryEvents(ctx context.Context, filter core.EventFilter, limit int) ([]core.Event, int, error) {
	where, args := eventWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, agent, action, resource, reason, details FROM events`+where+` ORDER BY seq DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]core.Event, 0)
	for rows.Next() {
		var (
			ev         core.Event
			ts, action string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Agent, &action, &ev.Resource, &ev.Reason, &ev.Details); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		ev.Action = core.Action(action)
		if ev.TS, err = parseTime(ts); err != nil {
			if s.skipCorrupt("events", err) {
				total--
				continue
			}
			return nil, 0, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
