package export

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

const (
	KindHTTP  = "http"
	KindRedis = "redis"
	KindSQL   = "sql"
	KindLog   = "log"
)

// Config selects and configures the consumer a stream exports to. The
// meaning of Identifier depends on Kind: endpoint URL, Redis stream key,
// table name or log label.
type Config struct {
	Kind       string      `yaml:"kind"`
	Identifier string      `yaml:"identifier"`
	BatchSize  int         `yaml:"batch_size"`
	HTTP       HTTPConfig  `yaml:"http"`
	Redis      RedisConfig `yaml:"redis"`
	SQL        SQLConfig   `yaml:"sql"`
}

type HTTPConfig struct {
	Timeout     time.Duration     `yaml:"timeout"`
	Compression string            `yaml:"compression"`
	Headers     map[string]string `yaml:"headers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	MaxLen   int64  `yaml:"max_len"`
}

type SQLConfig struct {
	DSN         string `yaml:"dsn"`
	CreateTable bool   `yaml:"create_table"`
}

func (c *Config) ApplyDefaults() {
	if c.Kind == "" {
		c.Kind = KindLog
	}
	c.Kind = strings.ToLower(c.Kind)
	if c.BatchSize <= 0 {
		switch c.Kind {
		case KindHTTP:
			c.BatchSize = 10
		case KindRedis:
			c.BatchSize = 100
		case KindSQL:
			c.BatchSize = 500
		default:
			c.BatchSize = 5
		}
	}
	switch c.Kind {
	case KindHTTP:
		if c.HTTP.Timeout <= 0 {
			c.HTTP.Timeout = 10 * time.Second
		}
		if c.HTTP.Compression == "" {
			c.HTTP.Compression = "none"
		}
	case KindRedis:
		if c.Redis.Addr == "" {
			c.Redis.Addr = "localhost:6379"
		}
	case KindSQL:
		if c.Identifier == "" {
			c.Identifier = "histstream_messages"
		}
	case KindLog:
		if c.Identifier == "" {
			c.Identifier = "export"
		}
	}
}

func (c *Config) Validate() error {
	switch c.Kind {
	case KindHTTP:
		u, err := url.Parse(c.Identifier)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("export.identifier must be an http(s) URL for kind http, got %q", c.Identifier)
		}
		if c.HTTP.Compression != "none" && c.HTTP.Compression != "zstd" {
			return fmt.Errorf("export.http.compression must be none or zstd, got %q", c.HTTP.Compression)
		}
	case KindRedis:
		if c.Identifier == "" {
			return fmt.Errorf("export.identifier (stream key) is required for kind redis")
		}
	case KindSQL:
		if c.SQL.DSN == "" {
			return fmt.Errorf("export.sql.dsn is required for kind sql")
		}
		if !tableRE.MatchString(c.Identifier) {
			return fmt.Errorf("export.identifier: invalid table name %q", c.Identifier)
		}
	case KindLog:
	default:
		return fmt.Errorf("unknown export kind %q", c.Kind)
	}
	return nil
}

// Target is the stream-level description of this consumer.
func (c Config) Target() domain.ExportTarget {
	return domain.ExportTarget{Kind: c.Kind, Identifier: c.Identifier, BatchSize: c.BatchSize}
}

// New builds the consumer described by cfg. Consumers holding connections
// implement io.Closer.
func New(cfg Config, obs ports.Observability) (ports.Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindHTTP:
		return NewHTTPConsumer(cfg.Identifier, cfg.HTTP, obs), nil
	case KindRedis:
		return NewRedisConsumerFromConfig(cfg.Identifier, cfg.Redis), nil
	case KindSQL:
		c, err := OpenSQLConsumer(cfg.SQL, cfg.Identifier)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return NewLogConsumer(cfg.Identifier, obs), nil
	}
}
