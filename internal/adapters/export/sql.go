package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

var tableRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLConsumer writes batches into a Postgres table. Inserts are idempotent
// on entry_id so a retried batch does not duplicate rows.
type SQLConsumer struct {
	db          *sql.DB
	tableName   string
	owned       bool
	createTable bool
}

func NewSQLConsumer(db *sql.DB, table string) *SQLConsumer {
	return &SQLConsumer{db: db, tableName: table}
}

// OpenSQLConsumer opens its own connection pool; Close releases it.
func OpenSQLConsumer(cfg SQLConfig, table string) (*SQLConsumer, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open export db: %w", err)
	}
	return &SQLConsumer{db: db, tableName: table, owned: true, createTable: cfg.CreateTable}, nil
}

func (t *SQLConsumer) Name() string { return "sql" }

func (t *SQLConsumer) Export(ctx context.Context, batch []domain.BufferedMessage) error {
	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (entry_id, property_alias, value, quality, ingest_time, seq) VALUES ")

	args := make([]any, 0, len(batch)*6)
	for i, m := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6))
		args = append(args,
			m.EntryID,
			m.PropertyAlias,
			m.Value,
			string(m.Quality),
			m.IngestTime.Time(),
			int64(m.Sequence),
		)
	}

	b.WriteString(" ON CONFLICT (entry_id) DO NOTHING")

	_, err := t.db.ExecContext(ctx, b.String(), args...)
	return classifyPQ(err)
}

// classifyPQ rejects batches whose rows or statement can never succeed.
// Missing tables and grants (42P01, 42501) stay retryable until an operator
// fixes them.
func classifyPQ(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "22" || pqErr.Code == "42601" || pqErr.Code == "42804" {
			return fmt.Errorf("%w: %s (%s)", domain.ErrRejected, pqErr.Message, pqErr.Code)
		}
	}
	return err
}

// Prepare creates the destination table when the consumer was configured
// with create_table.
func (t *SQLConsumer) Prepare(ctx context.Context) error {
	if !t.createTable {
		return nil
	}
	return t.EnsureTable(ctx)
}

// EnsureTable creates the destination table if it does not exist.
func (t *SQLConsumer) EnsureTable(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.tableName+
		" (entry_id TEXT PRIMARY KEY, property_alias TEXT NOT NULL, value DOUBLE PRECISION NOT NULL,"+
		" quality TEXT NOT NULL, ingest_time TIMESTAMPTZ NOT NULL, seq BIGINT NOT NULL)")
	return err
}

func (t *SQLConsumer) Close() error {
	if !t.owned {
		return nil
	}
	return t.db.Close()
}

var _ ports.Consumer = (*SQLConsumer)(nil)
