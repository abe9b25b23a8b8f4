package journal

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"scan-console/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Journal persists the terminal transitions the watcher observes, feeding
// the governance audit view. It is optional: the console runs fully
// in-memory when no DSN is configured.
type Journal struct {
	pool *pgxpool.Pool
}

// Open creates a pooled connection to Postgres.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Journal{pool: pool}, nil
}

func (j *Journal) Close() {
	if j.pool != nil {
		j.pool.Close()
	}
}

// Migrate executes the embedded SQL migrations in order.
func (j *Journal) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := j.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Record appends one observed transition.
func (j *Journal) Record(ctx context.Context, scanID string, from, to models.Status) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO scan_transitions (scan_id, from_status, to_status, observed_at)
		VALUES ($1, $2, $3, NOW())
	`, scanID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Transition is one recorded status change.
type Transition struct {
	ScanID     string        `json:"scan_id"`
	FromStatus models.Status `json:"from_status"`
	ToStatus   models.Status `json:"to_status"`
	ObservedAt time.Time     `json:"observed_at"`
}

// History returns the recorded transitions for a scan, oldest first.
func (j *Journal) History(ctx context.Context, scanID string) ([]Transition, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT scan_id, from_status, to_status, observed_at
		FROM scan_transitions WHERE scan_id = $1 ORDER BY observed_at
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.ScanID, &tr.FromStatus, &tr.ToStatus, &tr.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}
