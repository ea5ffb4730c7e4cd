// Package relay holds the relay's configuration and the App that wires the
// messaging client, session persistence and the message pipeline together.
package relay

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/backup"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels/whatsapp"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/database"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/gateway"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/llm"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/pipeline"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/prompt"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/retrieval"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/session"
)

// ErrMissingConfig marks a required setting that is absent.
var ErrMissingConfig = errors.New("missing required configuration")

// Session store backends.
const (
	StoreSQL    = "sql"
	StoreBolt   = "bolt"
	StoreMemory = "memory"
)

// Config is the complete relay configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Gateway    gateway.Config   `yaml:"gateway"`
	WhatsApp   whatsapp.Config  `yaml:"whatsapp"`
	Database   database.Config  `yaml:"database"`
	Session    SessionConfig    `yaml:"session"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// SessionConfig configures session persistence and backups.
type SessionConfig struct {
	// ClientID keys the stored session.
	ClientID string `yaml:"client_id"`

	Store SessionStoreConfig `yaml:"store"`

	// BackupInterval is the snapshot period, floored at 60s.
	BackupInterval time.Duration `yaml:"backup_interval"`

	// Timeout bounds every store call.
	Timeout time.Duration `yaml:"timeout"`
}

// SessionStoreConfig picks where session blobs live.
type SessionStoreConfig struct {
	// Backend is sql (the database hub), bolt or memory.
	Backend string `yaml:"backend"`

	// BoltPath is the bbolt file for the bolt backend.
	BoltPath string `yaml:"bolt_path"`
}

// RetrievalConfig configures the context search service.
type RetrievalConfig struct {
	BaseURL     string        `yaml:"base_url"`
	TopK        int           `yaml:"top_k"`
	ResultField string        `yaml:"result_field"`
	Timeout     time.Duration `yaml:"timeout"`
}

// GenerationConfig configures the generation model.
type GenerationConfig struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	NoAnswer   string        `yaml:"no_answer"`
}

// PromptConfig overrides the prompt template.
type PromptConfig struct {
	Template string `yaml:"template"`
	Persona  string `yaml:"persona"`
}

// PipelineConfig tunes message handling.
type PipelineConfig struct {
	ErrorReply         string        `yaml:"error_reply"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	SerializePerSender bool          `yaml:"serialize_per_sender"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	DedupWindow        int           `yaml:"dedup_window"`
	LogTimeout         time.Duration `yaml:"log_timeout"`
	ReplyTimeout       time.Duration `yaml:"reply_timeout"`
	// LogInteractions writes every answered message to interaction_log.
	LogInteractions bool `yaml:"log_interactions"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Gateway:  gateway.Config{Address: ":3000"},
		WhatsApp: whatsapp.DefaultConfig(),
		Database: database.DefaultConfig(),
		Session: SessionConfig{
			ClientID:       "ragrelay",
			Store:          SessionStoreConfig{Backend: StoreSQL, BoltPath: "./data/sessions.bolt"},
			BackupInterval: 5 * time.Minute,
			Timeout:        session.DefaultTimeout,
		},
		Retrieval: RetrievalConfig{
			TopK:        retrieval.DefaultTopK,
			ResultField: retrieval.DefaultResultField,
			Timeout:     retrieval.DefaultTimeout,
		},
		Generation: GenerationConfig{
			Model:    llm.DefaultModel,
			BaseURL:  llm.DefaultBaseURL,
			Timeout:  60 * time.Second,
			NoAnswer: llm.DefaultNoAnswer,
		},
		Prompt: PromptConfig{
			Template: prompt.DefaultTemplate,
			Persona:  prompt.DefaultPersona,
		},
		Pipeline: PipelineConfig{
			ErrorReply:      pipeline.DefaultErrorReply,
			MaxConcurrent:   16,
			ShutdownGrace:   10 * time.Second,
			DedupWindow:     1024,
			LogTimeout:      5 * time.Second,
			ReplyTimeout:    30 * time.Second,
			LogInteractions: true,
		},
	}
}

// ApplyEnv overlays the recognized environment variables.
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.Gateway.Address = ":" + strings.TrimPrefix(port, ":")
	}
	if u := os.Getenv("RETRIEVAL_URL"); u != "" {
		c.Retrieval.BaseURL = u
	} else if u := os.Getenv("PY_SERVICE_URL"); u != "" {
		c.Retrieval.BaseURL = u
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Generation.APIKey = key
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		c.Generation.Model = model
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.Backend = database.BackendPostgreSQL
		c.Database.PostgreSQL.DSN = dsn
	}
	if backend := os.Getenv("SESSION_STORE"); backend != "" {
		c.Session.Store.Backend = strings.ToLower(backend)
	}
	if id := os.Getenv("SESSION_CLIENT_ID"); id != "" {
		c.Session.ClientID = id
	}
	if raw := os.Getenv("BACKUP_INTERVAL"); raw != "" {
		d, err := parseInterval(raw)
		if err != nil {
			return fmt.Errorf("BACKUP_INTERVAL: %w", err)
		}
		c.Session.BackupInterval = d
	}
	return nil
}

// parseInterval accepts a Go duration ("5m") or integer milliseconds ("300000").
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

// Normalize clamps and fills values after loading.
func (c *Config) Normalize() {
	c.Session.BackupInterval = backup.ClampInterval(c.Session.BackupInterval)
	if c.Session.Store.Backend == "" {
		c.Session.Store.Backend = StoreSQL
	}
	c.Retrieval.BaseURL = strings.TrimRight(c.Retrieval.BaseURL, "/")
}

// Validate reports fatal-startup problems. All problems are returned at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Generation.APIKey) == "" || IsEnvReference(c.Generation.APIKey) {
		errs = append(errs, fmt.Errorf("%w: generation.api_key (set GEMINI_API_KEY or run 'ragrelay auth set-key')", ErrMissingConfig))
	}
	if strings.TrimSpace(c.Retrieval.BaseURL) == "" {
		errs = append(errs, fmt.Errorf("%w: retrieval.base_url (set RETRIEVAL_URL)", ErrMissingConfig))
	}
	if strings.TrimSpace(c.Session.ClientID) == "" {
		errs = append(errs, fmt.Errorf("%w: session.client_id", ErrMissingConfig))
	}
	switch c.Session.Store.Backend {
	case StoreSQL, StoreMemory:
	case StoreBolt:
		if c.Session.Store.BoltPath == "" {
			errs = append(errs, fmt.Errorf("%w: session.store.bolt_path", ErrMissingConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.store.backend %q", c.Session.Store.Backend))
	}
	if _, err := prompt.New(c.Prompt.Template, c.Prompt.Persona); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// retrievalConfig, generationConfig and friends translate to package configs.

func (c *Config) retrievalConfig() retrieval.Config {
	return retrieval.Config{
		BaseURL:     c.Retrieval.BaseURL,
		TopK:        c.Retrieval.TopK,
		ResultField: c.Retrieval.ResultField,
		Timeout:     c.Retrieval.Timeout,
	}
}

func (c *Config) generationConfig() llm.Config {
	return llm.Config{
		APIKey:     c.Generation.APIKey,
		Model:      c.Generation.Model,
		BaseURL:    c.Generation.BaseURL,
		Timeout:    c.Generation.Timeout,
		MaxRetries: c.Generation.MaxRetries,
		NoAnswer:   c.Generation.NoAnswer,
	}
}

func (c *Config) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		ErrorReply:   c.Pipeline.ErrorReply,
		LogTimeout:   c.Pipeline.LogTimeout,
		ReplyTimeout: c.Pipeline.ReplyTimeout,
	}
}

func (c *Config) dispatcherConfig() pipeline.DispatcherConfig {
	return pipeline.DispatcherConfig{
		MaxConcurrent:      c.Pipeline.MaxConcurrent,
		SerializePerSender: c.Pipeline.SerializePerSender,
		ShutdownGrace:      c.Pipeline.ShutdownGrace,
		DedupWindow:        c.Pipeline.DedupWindow,
	}
}

func (c *Config) backupConfig() backup.Config {
	return backup.Config{
		ClientID: c.Session.ClientID,
		Interval: c.Session.BackupInterval,
	}
}
