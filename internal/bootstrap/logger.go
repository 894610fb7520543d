package bootstrap

import (
	"copy_trader/pkg/logging"
)

// InitLogger builds the process logger from the system section
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	return logging.New(logging.Options{
		Level:   cfg.System.LogLevel,
		JSON:    cfg.System.LogJSON,
		Service: cfg.App.Name,
	})
}
