package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dfxkuma/mixir-stack/internal/core/stack"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteJournal
// =============================================================================

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sqlx.DB
}

// NewSQLiteJournal opens the journal database and runs migrations.
func NewSQLiteJournal(dsn string) (*SQLiteJournal, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewJournalError("NewSQLiteJournal", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewJournalError("NewSQLiteJournal", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewJournalError("NewSQLiteJournal", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteJournal{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID         string  `db:"id"`
	Stack      string  `db:"stack"`
	Status     string  `db:"status"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

func (j *SQLiteJournal) BeginRun(ctx context.Context, run *stack.Run) error {
	row := runRow{
		ID:        run.ID,
		Stack:     run.Stack,
		Status:    string(run.Status),
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, stack, status, started_at)
		VALUES (:id, :stack, :status, :started_at)`, row)
	if err != nil {
		return NewJournalError("BeginRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func (j *SQLiteJournal) FinishRun(ctx context.Context, runID string, status stack.RunStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := j.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), now, runID)
	if err != nil {
		return NewJournalError("FinishRun", "run", runID, err.Error(), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return NewJournalError("FinishRun", "run", runID, err.Error(), err)
	}
	if affected == 0 {
		return NewJournalError("FinishRun", "run", runID, "run not found", ErrNotFound)
	}
	return nil
}

func (j *SQLiteJournal) GetRun(ctx context.Context, runID string) (*stack.Run, error) {
	var row runRow
	err := j.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewJournalError("GetRun", "run", runID, "run not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewJournalError("GetRun", "run", runID, err.Error(), err)
	}

	startedAt, err := time.Parse(time.RFC3339Nano, row.StartedAt)
	if err != nil {
		return nil, NewJournalError("GetRun", "run", runID, "invalid started_at", err)
	}

	run := &stack.Run{
		ID:        row.ID,
		Stack:     row.Stack,
		Status:    stack.RunStatus(row.Status),
		StartedAt: startedAt,
	}
	if row.FinishedAt != nil {
		finishedAt, err := time.Parse(time.RFC3339Nano, *row.FinishedAt)
		if err != nil {
			return nil, NewJournalError("GetRun", "run", runID, "invalid finished_at", err)
		}
		run.FinishedAt = &finishedAt
	}
	return run, nil
}

// =============================================================================
// Transition Operations
// =============================================================================

// transitionRow represents a transition row in the database.
type transitionRow struct {
	Seq       int64  `db:"seq"`
	RunID     string `db:"run_id"`
	Service   string `db:"service"`
	FromState string `db:"from_state"`
	ToState   string `db:"to_state"`
	Detail    string `db:"detail"`
	At        string `db:"at"`
}

func (j *SQLiteJournal) RecordTransition(ctx context.Context, event *stack.TransitionEvent) (int64, error) {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	result, err := j.db.ExecContext(ctx, `
		INSERT INTO transitions (run_id, service, from_state, to_state, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Service, string(event.From), string(event.To),
		event.Detail, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, NewJournalError("RecordTransition", "transition", event.Service, err.Error(), err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, NewJournalError("RecordTransition", "transition", event.Service, err.Error(), err)
	}
	event.Seq = seq
	return seq, nil
}

func (j *SQLiteJournal) ListTransitions(ctx context.Context, runID string) ([]stack.TransitionEvent, error) {
	var rows []transitionRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT * FROM transitions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, NewJournalError("ListTransitions", "transition", runID, err.Error(), err)
	}

	events := make([]stack.TransitionEvent, 0, len(rows))
	for _, row := range rows {
		at, err := time.Parse(time.RFC3339Nano, row.At)
		if err != nil {
			return nil, NewJournalError("ListTransitions", "transition", runID, "invalid timestamp", err)
		}
		events = append(events, stack.TransitionEvent{
			Seq:     row.Seq,
			RunID:   row.RunID,
			Service: row.Service,
			From:    stack.ServiceState(row.FromState),
			To:      stack.ServiceState(row.ToState),
			Detail:  row.Detail,
			At:      at,
		})
	}
	return events, nil
}

// =============================================================================
// Bootstrap Operations
// =============================================================================

func (j *SQLiteJournal) RecordBootstrap(ctx context.Context, record *stack.BootstrapRecord) error {
	executedAt := record.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO bootstrap_runs (volume, script, run_id, exit_code, executed_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.Volume, record.Script, record.RunID, record.ExitCode,
		executedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewJournalError("RecordBootstrap", "bootstrap", record.Script,
				"bootstrap already recorded", ErrDuplicateBootstrap)
		}
		return NewJournalError("RecordBootstrap", "bootstrap", record.Script, err.Error(), err)
	}
	return nil
}

func (j *SQLiteJournal) HasBootstrapRun(ctx context.Context, volume, script string) (bool, error) {
	var count int
	err := j.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM bootstrap_runs WHERE volume = ? AND script = ?`,
		volume, script)
	if err != nil {
		return false, NewJournalError("HasBootstrapRun", "bootstrap", script, err.Error(), err)
	}
	return count > 0, nil
}
