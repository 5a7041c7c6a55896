package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// Configure sets up the global logger
func Configure(cfg Config) error {
	return configure(log.StandardLogger(), cfg, os.Stdout)
}

func configure(logger *log.Logger, cfg Config, out io.Writer) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.WithMessage(err, "invalid log level")
	}
	logger.SetLevel(level)
	logger.SetOutput(out)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}
