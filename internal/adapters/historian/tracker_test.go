package historian

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/histstream/internal/domain"
)

const mysqlSelect = "SELECT e.ID, e.PROPERTY_ALIAS, e.ASSET_VALUE, e.DATA_QUALITY, e.DATE_TIME FROM ER_297_GENERATOR e WHERE NOT EXISTS (SELECT 1 FROM ER_297_GENERATOR_UPDATE p WHERE p.ID = e.ID) ORDER BY e.DATE_TIME ASC, e.ID ASC LIMIT ?"

func newTracker(t *testing.T, driver string, monitorPings ...bool) (*Tracker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(len(monitorPings) > 0 && monitorPings[0]))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tr, err := NewTracker(db, Config{Driver: driver, QueryTimeout: time.Second})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tr, mock
}

func TestUnprocessedBatchOrdersOldestFirst(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"ID", "PROPERTY_ALIAS", "ASSET_VALUE", "DATA_QUALITY", "DATE_TIME"}).
		AddRow("1", "Generator.Temperature", 22.5, "GOOD", ts).
		AddRow("2", "Generator.Temperature", "40.1", "BAD", []byte("2024-03-01 12:00:02"))
	mock.ExpectQuery(regexp.QuoteMeta(mysqlSelect)).WithArgs(5).WillReturnRows(rows)

	got, err := tr.UnprocessedBatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "1" || got[0].Quality != "GOOD" || got[0].Value != 22.5 || !got[0].Timestamp.Equal(ts) {
		t.Fatalf("unexpected first entry %+v", got[0])
	}
	if got[1].ID != "2" || got[1].Timestamp.IsZero() {
		t.Fatalf("expected text timestamp to be parsed, got %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnprocessedBatchPostgresPlaceholder(t *testing.T) {
	tr, mock := newTracker(t, DriverPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY e.DATE_TIME ASC, e.ID ASC LIMIT $1")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"ID", "PROPERTY_ALIAS", "ASSET_VALUE", "DATA_QUALITY", "DATE_TIME"}))

	got, err := tr.UnprocessedBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty batch, got %d", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnprocessedBatchQueryErrorIsTransient(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL)
	mock.ExpectQuery(regexp.QuoteMeta(mysqlSelect)).WillReturnError(errors.New("connection reset"))

	_, err := tr.UnprocessedBatch(context.Background(), 1)
	var tse *domain.TransientSourceError
	if !errors.As(err, &tse) {
		t.Fatalf("expected transient source error, got %v", err)
	}
}

func TestMarkProcessedCommitsOneRecord(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO ER_297_GENERATOR_UPDATE (ID, LAST_UPDATE_DATE_TIME) VALUES (?, ?)")).
		WithArgs("1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := tr.MarkProcessed(context.Background(), "1", now); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkProcessedDuplicateIsNoop(t *testing.T) {
	tr, mock := newTracker(t, DriverPostgres)
	now := time.Now()
	insert := regexp.QuoteMeta("INSERT INTO ER_297_GENERATOR_UPDATE (ID, LAST_UPDATE_DATE_TIME) VALUES ($1, $2) ON CONFLICT (ID) DO NOTHING")

	mock.ExpectBegin()
	mock.ExpectExec(insert).WithArgs("1", now).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(insert).WithArgs("1", now).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := tr.insertMark(context.Background(), "1", now); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict from insert, got %v", err)
	}
	if err := tr.MarkProcessed(context.Background(), "1", now); err != nil {
		t.Fatalf("duplicate mark should be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkProcessedRollsBackOnFailure(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT IGNORE INTO").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	err := tr.MarkProcessed(context.Background(), "7", time.Now())
	var tse *domain.TransientSourceError
	if !errors.As(err, &tse) {
		t.Fatalf("expected transient source error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHasProcessed(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL)
	q := regexp.QuoteMeta("SELECT 1 FROM ER_297_GENERATOR_UPDATE WHERE ID = ? LIMIT 1")

	mock.ExpectQuery(q).WithArgs("1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(q).WithArgs("2").WillReturnRows(sqlmock.NewRows([]string{"1"}))

	ok, err := tr.HasProcessed(context.Background(), "1")
	if err != nil || !ok {
		t.Fatalf("expected id 1 processed, got %v %v", ok, err)
	}
	ok, err = tr.HasProcessed(context.Background(), "2")
	if err != nil || ok {
		t.Fatalf("expected id 2 unprocessed, got %v %v", ok, err)
	}
}

func TestCompactRemovesOrphanedMarks(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ER_297_GENERATOR_UPDATE WHERE ER_297_GENERATOR_UPDATE.LAST_UPDATE_DATE_TIME < ? AND NOT EXISTS (SELECT 1 FROM ER_297_GENERATOR e WHERE e.ID = ER_297_GENERATOR_UPDATE.ID)")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := tr.Compact(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 compacted marks, got %d", n)
	}
}

func TestPingFailureIsTransient(t *testing.T) {
	tr, mock := newTracker(t, DriverMySQL, true)
	mock.ExpectPing().WillReturnError(errors.New("refused"))

	err := tr.Ping(context.Background())
	var tse *domain.TransientSourceError
	if !errors.As(err, &tse) || tse.Op != "ping" {
		t.Fatalf("expected ping transient error, got %v", err)
	}
}

func TestTablesRejectUnsafeIdentifiers(t *testing.T) {
	tb := Tables{Source: "ER_297_GENERATOR; DROP TABLE x"}
	tb.ApplyDefaults()
	if err := tb.Validate(); err == nil {
		t.Fatalf("expected invalid identifier error")
	}

	ok := Tables{Source: "historian.ER_297_GENERATOR"}
	ok.ApplyDefaults()
	if err := ok.Validate(); err != nil {
		t.Fatalf("schema-qualified table should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{DSN: "user:pass@tcp(localhost:3306)/historian?parseTime=true"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Driver != DriverMySQL || cfg.QueryTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
