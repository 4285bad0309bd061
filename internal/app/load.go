package app

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path (or the default locations when path is
// empty), merges it over DefaultConfig, resolves paths, and validates.
// Lookup order when path is empty (first found wins):
//  1. $MNEMOD_CONFIG
//  2. ~/.config/mnemod/config.yaml
//  3. /etc/mnemod/config.yaml
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if resolved != "" {
		b, err := os.ReadFile(resolved) //nolint:gosec // G304: operator-supplied config path
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", resolved, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DBPath == "" {
		dir, err := ConfigDir()
		if err != nil {
			return cfg, err
		}
		cfg.DBPath = filepath.Join(dir, "mnemo.db")
	}
	if cfg.WALPath == "" {
		cfg.WALPath = cfg.DBPath + ".pending.wal"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ConfigDir returns ~/.config/mnemod/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mnemod"), nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if env := os.Getenv("MNEMOD_CONFIG"); env != "" {
		return env, nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	candidates := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(string(os.PathSeparator), "etc", "mnemod", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	// No config file is fine; defaults carry the daemon.
	return "", nil
}

// applyEnv overlays the environment variables that may override file values.
// Secrets (auth tokens) usually arrive this way, via .env in main.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MNEMOD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MNEMOD_WAL_PATH"); v != "" {
		cfg.WALPath = v
	}
	if v := os.Getenv("MNEMOD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("MNEMOD_AUTH_TOKEN"); v != "" {
		cfg.AuthTokens = append(cfg.AuthTokens, v)
	}
	if v := os.Getenv("MNEMOD_EMBEDDING_ENDPOINT"); v != "" {
		cfg.Embedding.Endpoint = v
	}
}
