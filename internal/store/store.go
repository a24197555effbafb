// Package store implements the shared message queue the pipeline reads
// and writes: a concurrent-safe, persistent queue of inbound messages per
// agent, with "mark processing" serving as the row-granularity claim. The
// reference implementation is sqlite-backed (github.com/ncruces/go-sqlite3)
// with schema managed by golang-migrate and a short-TTL patrickmn/go-cache
// front cache short-circuiting the common case of re-seeing an id the
// poller just stored.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/patrickmn/go-cache"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is a message's lifecycle state. Status progression is monotone
// non-decreasing along Pending < Processing < {Processed, Failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Order selects ascending (FIFO) or descending (FILO) retrieval.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Message is one row of the queue.
type Message struct {
	ID        string
	Agent     string
	Sender    string
	Content   string
	Status    Status
	CreatedAt time.Time
}

// AgentStatus answers "is this agent currently paused, and why".
type AgentStatus struct {
	Paused       bool
	PausedReason string
	AutoResumeAt *time.Time
}

// Stats summarizes an agent's queue for dashboards and shutdown reporting.
type Stats struct {
	Pending           int
	Completed         int
	AvgProcessingTime time.Duration
}

// Store is the interface every pipeline component depends on. DB below is
// the default, swappable implementation.
type Store interface {
	StoreMessage(ctx context.Context, id, agent, sender, content string) (bool, error)
	GetPendingMessages(ctx context.Context, agent string, limit int, order Order) ([]Message, error)
	GetBacklogCount(ctx context.Context, agent string) (int, error)
	MarkProcessingStarted(ctx context.Context, id, agent string) error
	MarkProcessed(ctx context.Context, id, agent string) error
	MarkFailed(ctx context.Context, id, agent string) error
	IsAgentPaused(ctx context.Context, agent string) (bool, error)
	CheckAutoResume(ctx context.Context, agent string) (bool, error)
	GetAgentStatus(ctx context.Context, agent string) (AgentStatus, error)
	GetStats(ctx context.Context, agent string) (Stats, error)
	CleanupOldMessages(ctx context.Context, days int) (int, error)
	Pause(ctx context.Context, agent, reason string, autoResumeAt *time.Time) error
	Resume(ctx context.Context, agent string) error
}

// DB is the sqlite-backed reference Store.
type DB struct {
	conn      *sql.DB
	seenCache *cache.Cache
}

// Open creates (or reuses) the sqlite database at dsn and applies pending
// migrations.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite supports one writer at a time

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &DB{
		conn:      conn,
		seenCache: cache.New(5*time.Minute, 10*time.Minute),
	}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite3.WithInstance(conn, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// StoreMessage persists a new message, idempotent per agent on id: a
// repeated call with the same id and agent returns (false, nil) and leaves
// state unchanged. Rows are keyed by (id, agent), so the same id stored for
// a different agent is a separate row. A
// short-TTL cache check short-circuits the common case (poller re-seeing an
// id it stored moments ago) without a round trip to sqlite.
func (d *DB) StoreMessage(ctx context.Context, id, agent, sender, content string) (bool, error) {
	cacheKey := agent + ":" + id
	if _, seen := d.seenCache.Get(cacheKey); seen {
		return false, nil
	}

	res, err := d.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, agent, sender, content, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, agent, sender, content, string(StatusPending), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("store: insert message: %w", err)
	}

	d.seenCache.SetDefault(cacheKey, true)

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetPendingMessages returns up to limit pending messages for agent, in the
// requested order.
func (d *DB) GetPendingMessages(ctx context.Context, agent string, limit int, order Order) ([]Message, error) {
	direction := "ASC"
	if order == OrderDesc {
		direction = "DESC"
	}

	query := fmt.Sprintf(
		`SELECT id, agent, sender, content, status, created_at FROM messages
		 WHERE agent = ? AND status = ? ORDER BY created_at %s LIMIT ?`, direction)

	rows, err := d.conn.QueryContext(ctx, query, agent, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query pending: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var status string
		if err := rows.Scan(&m.ID, &m.Agent, &m.Sender, &m.Content, &status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Status = Status(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetBacklogCount returns the pending message count for agent.
func (d *DB) GetBacklogCount(ctx context.Context, agent string) (int, error) {
	var count int
	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE agent = ? AND status = ?`, agent, string(StatusPending),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: backlog count: %w", err)
	}
	return count, nil
}

// MarkProcessingStarted transitions a message to "processing" — this is the
// claim other workers respect; the pipeline is single-task per agent so no
// additional locking is required beyond this row update.
func (d *DB) MarkProcessingStarted(ctx context.Context, id, agent string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE messages SET status = ?, processing_started_at = ? WHERE id = ? AND agent = ?`,
		string(StatusProcessing), time.Now().UTC(), id, agent,
	)
	if err != nil {
		return fmt.Errorf("store: mark processing: %w", err)
	}
	return nil
}

// MarkProcessed transitions a message to "processed" — called unconditionally
// once a fetched message has been handed to a handler, regardless of the
// handler's outcome.
func (d *DB) MarkProcessed(ctx context.Context, id, agent string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE messages SET status = ?, processed_at = ? WHERE id = ? AND agent = ?`,
		string(StatusProcessed), time.Now().UTC(), id, agent,
	)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

// MarkFailed transitions a message to "failed". The pipeline does not call
// it: handler and send failures resolve through MarkProcessed.
func (d *DB) MarkFailed(ctx context.Context, id, agent string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE messages SET status = ?, processed_at = ? WHERE id = ? AND agent = ?`,
		string(StatusFailed), time.Now().UTC(), id, agent,
	)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return nil
}

// IsAgentPaused reports whether agent is currently paused.
func (d *DB) IsAgentPaused(ctx context.Context, agent string) (bool, error) {
	status, err := d.GetAgentStatus(ctx, agent)
	if err != nil {
		return false, err
	}
	return status.Paused, nil
}

// CheckAutoResume resumes agent if its auto-resume timer has elapsed,
// returning true if it did so.
func (d *DB) CheckAutoResume(ctx context.Context, agent string) (bool, error) {
	status, err := d.GetAgentStatus(ctx, agent)
	if err != nil {
		return false, err
	}
	if !status.Paused || status.AutoResumeAt == nil {
		return false, nil
	}
	if time.Now().UTC().Before(*status.AutoResumeAt) {
		return false, nil
	}
	if err := d.Resume(ctx, agent); err != nil {
		return false, err
	}
	return true, nil
}

// GetAgentStatus returns the current pause state for agent.
func (d *DB) GetAgentStatus(ctx context.Context, agent string) (AgentStatus, error) {
	var paused bool
	var reason sql.NullString
	var resumeAt sql.NullTime

	err := d.conn.QueryRowContext(ctx,
		`SELECT paused, paused_reason, auto_resume_at FROM agent_state WHERE agent = ?`, agent,
	).Scan(&paused, &reason, &resumeAt)
	if err == sql.ErrNoRows {
		return AgentStatus{}, nil
	}
	if err != nil {
		return AgentStatus{}, fmt.Errorf("store: agent status: %w", err)
	}

	status := AgentStatus{Paused: paused, PausedReason: reason.String}
	if resumeAt.Valid {
		status.AutoResumeAt = &resumeAt.Time
	}
	return status, nil
}

// Pause marks agent paused, optionally with an auto-resume deadline.
func (d *DB) Pause(ctx context.Context, agent, reason string, autoResumeAt *time.Time) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO agent_state (agent, paused, paused_reason, auto_resume_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT(agent) DO UPDATE SET paused = 1, paused_reason = excluded.paused_reason, auto_resume_at = excluded.auto_resume_at`,
		agent, reason, autoResumeAt,
	)
	if err != nil {
		return fmt.Errorf("store: pause: %w", err)
	}
	return nil
}

// Resume clears agent's paused state.
func (d *DB) Resume(ctx context.Context, agent string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO agent_state (agent, paused, paused_reason, auto_resume_at) VALUES (?, 0, NULL, NULL)
		 ON CONFLICT(agent) DO UPDATE SET paused = 0, paused_reason = NULL, auto_resume_at = NULL`,
		agent,
	)
	if err != nil {
		return fmt.Errorf("store: resume: %w", err)
	}
	return nil
}

// GetStats summarizes agent's queue.
func (d *DB) GetStats(ctx context.Context, agent string) (Stats, error) {
	var stats Stats

	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE agent = ? AND status = ?`, agent, string(StatusPending),
	).Scan(&stats.Pending)
	if err != nil {
		return Stats{}, fmt.Errorf("store: pending count: %w", err)
	}

	err = d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE agent = ? AND status = ?`, agent, string(StatusProcessed),
	).Scan(&stats.Completed)
	if err != nil {
		return Stats{}, fmt.Errorf("store: completed count: %w", err)
	}

	var avgSeconds sql.NullFloat64
	err = d.conn.QueryRowContext(ctx,
		`SELECT AVG((julianday(processed_at) - julianday(processing_started_at)) * 86400.0)
		 FROM messages WHERE agent = ? AND status = ? AND processing_started_at IS NOT NULL AND processed_at IS NOT NULL`,
		agent, string(StatusProcessed),
	).Scan(&avgSeconds)
	if err != nil {
		return Stats{}, fmt.Errorf("store: avg processing time: %w", err)
	}
	if avgSeconds.Valid {
		stats.AvgProcessingTime = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}

	return stats, nil
}

// CleanupOldMessages deletes processed/failed messages older than days,
// returning the number of rows removed.
func (d *DB) CleanupOldMessages(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := d.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE status IN (?, ?) AND created_at < ?`,
		string(StatusProcessed), string(StatusFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup rows affected: %w", err)
	}
	return int(rows), nil
}
