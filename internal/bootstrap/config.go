package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"copy_trader/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs the pre-flight checks
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Feed.WebsocketURL == "" && cfg.Feed.PollURL == "" {
		return fmt.Errorf("no trade feed configured: set feed.websocket_url or feed.poll_url")
	}

	switch cfg.Persistence.Driver {
	case "file", "sqlite":
		dir := filepath.Dir(cfg.Persistence.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("persistence directory %s: %w", dir, err)
		}

		// the snapshot carries the processed-id set
		info, err := os.Stat(cfg.Persistence.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if mode := info.Mode().Perm(); mode&0o022 != 0 {
			return fmt.Errorf("insecure permissions on %s: %04o (should not be group or world writable)", cfg.Persistence.Path, mode)
		}
	}
	return nil
}
