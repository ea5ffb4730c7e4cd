// Package database opens the relational store shared by the session store
// and the interaction log. SQLite is the default and needs no setup;
// PostgreSQL is used when several hosts share one store.
package database

import (
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// BackendType identifies the SQL dialect behind a Backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects and configures the backend.
type Config struct {
	// Backend is "sqlite" (default) or "postgresql".
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig configures the file-backed store.
type SQLiteConfig struct {
	Path string `yaml:"path"`

	// JournalMode defaults to WAL.
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig configures a shared store. DSN, when set, wins over
// the discrete fields.
type PostgreSQLConfig struct {
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const defaultSQLitePath = "./data/ragrelay.db"

// DefaultConfig returns a SQLite configuration under ./data.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        defaultSQLitePath,
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "require",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// withDefaults fills zero fields so a partially written YAML section works.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = d.SQLite.Path
	}
	if c.SQLite.JournalMode == "" {
		c.SQLite.JournalMode = d.SQLite.JournalMode
	}
	if c.SQLite.BusyTimeout == 0 {
		c.SQLite.BusyTimeout = d.SQLite.BusyTimeout
	}
	pg := &c.PostgreSQL
	if pg.Host == "" {
		pg.Host = d.PostgreSQL.Host
	}
	if pg.Port == 0 {
		pg.Port = d.PostgreSQL.Port
	}
	if pg.SSLMode == "" {
		pg.SSLMode = d.PostgreSQL.SSLMode
	}
	if pg.MaxOpenConns == 0 {
		pg.MaxOpenConns = d.PostgreSQL.MaxOpenConns
	}
	if pg.MaxIdleConns == 0 {
		pg.MaxIdleConns = d.PostgreSQL.MaxIdleConns
	}
	if pg.ConnMaxLifetime == 0 {
		pg.ConnMaxLifetime = d.PostgreSQL.ConnMaxLifetime
	}
	return c
}

// Backend is an open connection pool plus the dialect it speaks.
type Backend struct {
	Type BackendType
	DB   *sql.DB
}

// Rebind rewrites '?' placeholders into $n for PostgreSQL. Queries must not
// contain literal question marks.
func (b *Backend) Rebind(query string) string {
	if b == nil || b.Type != BackendPostgreSQL {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			sb.WriteRune(r)
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}
