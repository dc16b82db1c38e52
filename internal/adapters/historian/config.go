package historian

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config captures how to reach the historian and where its tables live.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Tables          Tables        `yaml:"tables"`
}

// Tables names the measurement table, the progress table and their columns.
// Defaults follow the generator historian schema.
type Tables struct {
	Source         string `yaml:"source"`
	Progress       string `yaml:"progress"`
	IDColumn       string `yaml:"id_column"`
	AliasColumn    string `yaml:"alias_column"`
	ValueColumn    string `yaml:"value_column"`
	QualityColumn  string `yaml:"quality_column"`
	TimeColumn     string `yaml:"time_column"`
	MarkedAtColumn string `yaml:"marked_at_column"`
}

func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	c.Tables.ApplyDefaults()
}

func (t *Tables) ApplyDefaults() {
	if t.Source == "" {
		t.Source = "ER_297_GENERATOR"
	}
	if t.Progress == "" {
		t.Progress = "ER_297_GENERATOR_UPDATE"
	}
	if t.IDColumn == "" {
		t.IDColumn = "ID"
	}
	if t.AliasColumn == "" {
		t.AliasColumn = "PROPERTY_ALIAS"
	}
	if t.ValueColumn == "" {
		t.ValueColumn = "ASSET_VALUE"
	}
	if t.QualityColumn == "" {
		t.QualityColumn = "DATA_QUALITY"
	}
	if t.TimeColumn == "" {
		t.TimeColumn = "DATE_TIME"
	}
	if t.MarkedAtColumn == "" {
		t.MarkedAtColumn = "LAST_UPDATE_DATE_TIME"
	}
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", DriverMySQL, DriverPostgres, c.Driver)
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	return c.Tables.Validate()
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate rejects identifiers that cannot be spliced into SQL verbatim.
func (t *Tables) Validate() error {
	for name, v := range map[string]string{
		"source":           t.Source,
		"progress":         t.Progress,
		"id_column":        t.IDColumn,
		"alias_column":     t.AliasColumn,
		"value_column":     t.ValueColumn,
		"quality_column":   t.QualityColumn,
		"time_column":      t.TimeColumn,
		"marked_at_column": t.MarkedAtColumn,
	} {
		if !identRE.MatchString(v) {
			return fmt.Errorf("tables.%s: invalid identifier %q", name, v)
		}
	}
	return nil
}

// Open returns a connection pool for the configured driver. It does not
// contact the server; callers Ping at startup.
func Open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
