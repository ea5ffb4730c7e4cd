package relay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envRef matches ${NAME}, ${NAME:-fallback} and ${NAME:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// Load builds the configuration: defaults, then the YAML file at path (or
// the first file FindConfigFile finds), then environment overrides, then the
// OS keyring for a still-missing generation key. A missing file is not an
// error. Validate is left to the caller.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVars(string(data))
		if err != nil {
			return nil, fmt.Errorf("expanding environment variables: %w", err)
		}
		cfg, err = ParseConfig([]byte(expanded))
		if err != nil {
			return nil, err
		}
		resolveRelativePaths(cfg, path)
		warnOpenPermissions(path, logger)
		logger.Debug("config loaded", "path", path)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	ResolveAPIKey(cfg, logger)
	cfg.Normalize()
	return cfg, nil
}

// ParseConfig overlays YAML onto the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. A
// generation key that came from the environment is written back as a
// reference, never as plaintext.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	if key := cfg.Generation.APIKey; key != "" && os.Getenv("GEMINI_API_KEY") == key {
		sanitized.Generation.APIKey = "${GEMINI_API_KEY}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first config file present in the working
// directory or ~/.ragrelay, or "" when there is none.
func FindConfigFile() string {
	paths := []string{"config.yaml", "ragrelay.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ragrelay", "config.yaml"))
	}
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// loadEnvFiles reads .env then .env.local. Variables already in the
// environment win.
func loadEnvFiles() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

// expandEnvVars substitutes environment references in raw config text.
// An unset plain reference is left as is so Validate can name it; an unset
// ${NAME:?message} fails the load.
func expandEnvVars(text string) (string, error) {
	var errs []string
	out := envRef.ReplaceAllStringFunc(text, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		switch op, arg := m[2], m[3]; op {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "not set"
			}
			errs = append(errs, fmt.Sprintf("%s: %s", m[1], arg))
		}
		return ref
	})
	if len(errs) > 0 {
		return "", fmt.Errorf("required variables missing: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

// resolveRelativePaths makes file paths in cfg relative to the directory
// holding the config file, expanding a leading ~/.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	for _, p := range []*string{
		&cfg.WhatsApp.LocalDBPath,
		&cfg.Database.SQLite.Path,
		&cfg.Session.Store.BoltPath,
	} {
		*p = anchorPath(*p, base)
	}
}

func anchorPath(p, base string) string {
	if p == "" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// warnOpenPermissions flags a config file readable by group or others; it
// may hold credentials.
func warnOpenPermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by other users",
			"path", path, "mode", fmt.Sprintf("%#o", perm), "hint", "chmod 600 "+path)
	}
}
