package historian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// Tracker implements ports.ProgressTracker on top of the historian's own
// database. Forwarded entries are recorded in a progress table and excluded
// from polls with an anti-join, which is what makes re-polling idempotent.
type Tracker struct {
	db           *sql.DB
	driver       string
	tables       Tables
	queryTimeout time.Duration

	selectSQL  string
	hasSQL     string
	markSQL    string
	compactSQL string
}

func NewTracker(db *sql.DB, cfg Config) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("historian db is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Tables.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		db:           db,
		driver:       cfg.Driver,
		tables:       cfg.Tables,
		queryTimeout: cfg.QueryTimeout,
	}
	t.buildQueries()
	return t, nil
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func placeholder(driver string, n int) string {
	if driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (t *Tracker) buildQueries() {
	tb := t.tables
	p := func(n int) string { return placeholder(t.driver, n) }

	t.selectSQL = fmt.Sprintf(
		"SELECT e.%[3]s, e.%[4]s, e.%[5]s, e.%[6]s, e.%[7]s FROM %[1]s e WHERE NOT EXISTS (SELECT 1 FROM %[2]s p WHERE p.%[3]s = e.%[3]s) ORDER BY e.%[7]s ASC, e.%[3]s ASC LIMIT %[8]s",
		tb.Source, tb.Progress, tb.IDColumn, tb.AliasColumn, tb.ValueColumn, tb.QualityColumn, tb.TimeColumn, p(1))

	t.hasSQL = fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s LIMIT 1", tb.Progress, tb.IDColumn, p(1))

	if t.driver == DriverPostgres {
		t.markSQL = fmt.Sprintf("INSERT INTO %[1]s (%[2]s, %[3]s) VALUES ($1, $2) ON CONFLICT (%[2]s) DO NOTHING",
			tb.Progress, tb.IDColumn, tb.MarkedAtColumn)
	} else {
		t.markSQL = fmt.Sprintf("INSERT IGNORE INTO %s (%s, %s) VALUES (?, ?)",
			tb.Progress, tb.IDColumn, tb.MarkedAtColumn)
	}

	t.compactSQL = fmt.Sprintf(
		"DELETE FROM %[2]s WHERE %[2]s.%[4]s < %[5]s AND NOT EXISTS (SELECT 1 FROM %[1]s e WHERE e.%[3]s = %[2]s.%[3]s)",
		tb.Source, tb.Progress, tb.IDColumn, tb.MarkedAtColumn, p(1))
}

func (t *Tracker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.queryTimeout)
}

// Ping verifies the historian is reachable.
func (t *Tracker) Ping(ctx context.Context) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	if err := t.db.PingContext(ctx); err != nil {
		return &domain.TransientSourceError{Op: "ping", Err: err}
	}
	return nil
}

func (t *Tracker) UnprocessedBatch(ctx context.Context, limit int) ([]domain.SourceEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	rows, err := t.db.QueryContext(ctx, t.selectSQL, limit)
	if err != nil {
		return nil, &domain.TransientSourceError{Op: "query unprocessed", Err: err}
	}
	defer rows.Close()

	var out []domain.SourceEntry
	for rows.Next() {
		var (
			id, alias, quality sql.NullString
			value, ts          any
		)
		if err := rows.Scan(&id, &alias, &value, &quality, &ts); err != nil {
			return nil, &domain.TransientSourceError{Op: "scan unprocessed", Err: err}
		}
		if b, ok := value.([]byte); ok {
			value = append([]byte(nil), b...)
		}
		out = append(out, domain.SourceEntry{
			ID:            id.String,
			PropertyAlias: alias.String,
			Value:         value,
			Quality:       quality.String,
			Timestamp:     toTime(ts),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.TransientSourceError{Op: "iterate unprocessed", Err: err}
	}
	return out, nil
}

// toTime accepts the shapes drivers hand back for timestamp columns: a
// time.Time with parseTime enabled, or the raw text otherwise.
func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		v = string(t)
	}
	ts, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (t *Tracker) HasProcessed(ctx context.Context, id string) (bool, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var one int
	err := t.db.QueryRowContext(ctx, t.hasSQL, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, &domain.TransientSourceError{Op: "has processed", Err: err}
	}
	return true, nil
}

// MarkProcessed records id as forwarded in its own transaction. A duplicate
// mark is a no-op. A failure rolls back this record only.
func (t *Tracker) MarkProcessed(ctx context.Context, id string, observedAt time.Time) error {
	err := t.insertMark(ctx, id, observedAt)
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

func (t *Tracker) insertMark(ctx context.Context, id string, observedAt time.Time) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.TransientSourceError{Op: "begin mark", Err: err}
	}

	res, err := tx.ExecContext(ctx, t.markSQL, id, observedAt)
	if err != nil {
		_ = tx.Rollback()
		return &domain.TransientSourceError{Op: "mark " + id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return &domain.TransientSourceError{Op: "commit mark " + id, Err: err}
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrConflict, id)
	}
	return nil
}

func (t *Tracker) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	res, err := t.db.ExecContext(ctx, t.compactSQL, olderThan)
	if err != nil {
		return 0, &domain.TransientSourceError{Op: "compact progress", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// CreateTables creates the measurement and progress tables if missing.
// Used by the simulator against development databases.
func (t *Tracker) CreateTables(ctx context.Context) error {
	tb := t.tables
	double, ts := "DOUBLE", "DATETIME(6)"
	if t.driver == DriverPostgres {
		double, ts = "DOUBLE PRECISION", "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(64) PRIMARY KEY, %s VARCHAR(255) NOT NULL, %s %s, %s VARCHAR(16), %s %s NOT NULL)",
			tb.Source, tb.IDColumn, tb.AliasColumn, tb.ValueColumn, double, tb.QualityColumn, tb.TimeColumn, ts),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(64) PRIMARY KEY, %s %s)",
			tb.Progress, tb.IDColumn, tb.MarkedAtColumn, ts),
	}
	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// Tables returns the effective table layout.
func (t *Tracker) Tables() Tables { return t.tables }

// Driver returns the SQL dialect in use.
func (t *Tracker) Driver() string { return t.driver }

var _ ports.ProgressTracker = (*Tracker)(nil)
