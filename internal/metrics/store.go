package metrics

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"whs/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the narrow interface the rest of WHS uses to record and query
// metrics, the same adapter-over-concrete-client shape the IssueStore and
// WorktreeProvider use.
type Store interface {
	Record(ctx context.Context, e Entry) error
	ListForWorkflow(ctx context.Context, epicID string) ([]Entry, error)
	Close() error
}

// SQLiteStore is backed by ncruces/go-sqlite3 (pure-Go, no cgo, the same
// driver choice as the read-only tracker client), with
// golang-migrate/migrate/v4 driving an embedded migration set.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the sqlite database at path and runs
// every pending migration.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening metrics database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	dbDriver, err := newSQLiteMigrateDriver(db)
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "whs-metrics", dbDriver)
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Record inserts a single, immutable metrics entry. There is no Save
// upsert branch: entries are append-only once written.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_entries (
			epic_id, step_id, project, source_id, agent, outcome,
			input_tokens, cache_read_input_tokens, cache_creation_input_tokens, output_tokens,
			context_tokens, context_window, turn_cost_usd, duration_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EpicID, e.StepID, e.Project, e.SourceID, e.Agent, e.Outcome,
		e.InputTokens, e.CacheReadInputTokens, e.CacheCreationInputTokens, e.OutputTokens,
		e.ContextTokens, e.ContextWindow, e.TurnCostUSD, e.DurationMS, e.RecordedAt,
	)
	if err != nil {
		log.ErrorErr(log.CatMetrics, "failed to record metrics entry", err, "epic", e.EpicID, "step", e.StepID)
		return fmt.Errorf("recording metrics entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry scans one metrics_entries row, using a scanX(scanner) (*X,
// error) helper pattern for rows.
func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.EpicID, &e.StepID, &e.Project, &e.SourceID, &e.Agent, &e.Outcome,
		&e.InputTokens, &e.CacheReadInputTokens, &e.CacheCreationInputTokens, &e.OutputTokens,
		&e.ContextTokens, &e.ContextWindow, &e.TurnCostUSD, &e.DurationMS, &e.RecordedAt,
	)
	return e, err
}

// ListForWorkflow returns every recorded entry for epicID, oldest first.
func (s *SQLiteStore) ListForWorkflow(ctx context.Context, epicID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, epic_id, step_id, project, source_id, agent, outcome,
		       input_tokens, cache_read_input_tokens, cache_creation_input_tokens, output_tokens,
		       context_tokens, context_window, turn_cost_usd, duration_ms, recorded_at
		FROM metrics_entries
		WHERE epic_id = ?
		ORDER BY recorded_at ASC`, epicID)
	if err != nil {
		return nil, fmt.Errorf("querying metrics for workflow %s: %w", epicID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning metrics entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
