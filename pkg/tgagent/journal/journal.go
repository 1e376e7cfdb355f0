// Package journal persists the outcome of every tracked task in SQLite so
// operators can inspect recent work after the fact. Only task outcomes are
// stored; aggregation state stays in memory.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
	"github.com/robfig/cron/v3"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT DEFAULT '',
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    duration_ms INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs(started_at);
`

// queueSize bounds pending writes; lifecycle events beyond it are dropped.
const queueSize = 512

// Config holds the journal configuration.
type Config struct {
	// Path is the SQLite file. Empty disables the journal.
	Path string `yaml:"path"`

	// Retention is how long finished runs are kept (default: 720h).
	Retention time.Duration `yaml:"retention"`

	// PruneSchedule is the cron schedule of the retention pass
	// (default: "@daily").
	PruneSchedule string `yaml:"prune_schedule"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "./data/journal.db",
		Retention:     720 * time.Hour,
		PruneSchedule: "@daily",
	}
}

// Run is one journaled task execution.
type Run struct {
	ID         string
	Name       string
	Status     supervisor.Status
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

type record struct {
	run      Run
	finished bool
	barrier  chan struct{}
}

// Journal writes task lifecycle events asynchronously so the supervisor
// never waits on disk I/O.
type Journal struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	queue     chan record
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	cron      *cron.Cron
}

// Open opens (or creates) the journal database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = DefaultConfig().PruneSchedule
	}

	db, err := openDatabase(cfg.Path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "journal"),
		queue:  make(chan record, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

func openDatabase(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory %q: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return db, nil
}

// TaskStarted implements supervisor.Observer.
func (j *Journal) TaskStarted(t *supervisor.Task) {
	j.enqueue(record{run: Run{
		ID:        t.ID,
		Name:      t.Name,
		Status:    supervisor.StatusRunning,
		StartedAt: t.StartedAt,
	}})
}

// TaskFinished implements supervisor.Observer.
func (j *Journal) TaskFinished(t *supervisor.Task) {
	r := Run{
		ID:         t.ID,
		Name:       t.Name,
		Status:     t.Status(),
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt(),
		Duration:   t.Duration(),
	}
	if err := t.Err(); err != nil {
		r.Error = err.Error()
	}
	j.enqueue(record{run: r, finished: true})
}

func (j *Journal) enqueue(rec record) {
	select {
	case <-j.done:
		return
	default:
	}
	select {
	case j.queue <- rec:
	default:
		j.logger.Warn("journal queue full, dropping task event", "task", rec.run.Name, "id", rec.run.ID)
	}
}

// Sync blocks until every event queued before the call has been written.
func (j *Journal) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case j.queue <- record{barrier: barrier}:
	case <-j.done:
		return errors.New("journal closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) writeLoop() {
	defer close(j.exited)
	for {
		select {
		case rec := <-j.queue:
			j.handle(rec)
		case <-j.done:
			// Drain what is already queued.
			for {
				select {
				case rec := <-j.queue:
					j.handle(rec)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) handle(rec record) {
	if rec.barrier != nil {
		close(rec.barrier)
		return
	}
	if err := j.write(rec); err != nil {
		j.logger.Warn("journal write failed", "task", rec.run.Name, "error", err)
	}
}

func (j *Journal) write(rec record) error {
	r := rec.run
	if !rec.finished {
		_, err := j.db.Exec(
			`INSERT OR IGNORE INTO task_runs (id, name, status, started_at) VALUES (?, ?, ?, ?)`,
			r.ID, r.Name, string(r.Status), r.StartedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	}
	_, err := j.db.Exec(
		`INSERT INTO task_runs (id, name, status, error, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     status = excluded.status,
		     error = excluded.error,
		     finished_at = excluded.finished_at,
		     duration_ms = excluded.duration_ms`,
		r.ID, r.Name, string(r.Status), r.Error,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.Duration.Milliseconds(),
	)
	return err
}

// Recent returns the latest runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, name, status, error, started_at, COALESCE(finished_at, ''), duration_ms
		 FROM task_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			status, errText   string
			started, finished string
			durationMs        int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &status, &errText, &started, &finished, &durationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = supervisor.Status(status)
		r.Error = errText
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Counts returns the number of runs per status started since the given time.
func (j *Journal) Counts(ctx context.Context, since time.Time) (map[supervisor.Status]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM task_runs WHERE started_at >= ? GROUP BY status`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[supervisor.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[supervisor.Status(status)] = n
	}
	return out, rows.Err()
}

// Prune deletes finished runs that started before now minus olderThan.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM task_runs WHERE started_at < ? AND status != ?`,
		cutoff, string(supervisor.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// StartRetention schedules the retention pass.
func (j *Journal) StartRetention() error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := c.AddFunc(j.cfg.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := j.Prune(ctx, j.cfg.Retention)
		if err != nil {
			j.logger.Warn("journal prune failed", "error", err)
			return
		}
		j.logger.Debug("journal pruned", "removed", n)
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", j.cfg.PruneSchedule, err)
	}
	j.cron = c
	c.Start()
	return nil
}

// Close stops the retention job, flushes queued events and closes the
// database. Safe to call more than once.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		if j.cron != nil {
			<-j.cron.Stop().Done()
		}
		// Let queued writes land before the loop exits.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = j.Sync(ctx)
		cancel()
		close(j.done)
		<-j.exited
		err = j.db.Close()
	})
	return err
}

// Describe renders a run for chat output.
func (r Run) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.StartedAt.Local().Format("01-02 15:04:05"), r.Name)
	fmt.Fprintf(&b, " [%s", r.Status)
	if r.Duration > 0 {
		fmt.Fprintf(&b, " %s", r.Duration.Round(time.Millisecond))
	}
	b.WriteString("]")
	if r.Error != "" {
		fmt.Fprintf(&b, " %s", r.Error)
	}
	return b.String()
}
