package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceName is stamped on every process log line.
const ServiceName = "scooterguard"

// SetupLogging configures zerolog based on the provided logging configuration
func SetupLogging(cfg *LoggingConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	if cfg.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, os.Stderr)
	}

	paths := cfg.OutputPaths
	if cfg.File != "" {
		paths = append([]string{cfg.File}, paths...)
	}
	seen := map[string]bool{"stderr": true}
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true

		if path == "stdout" {
			writers = append(writers, os.Stdout)
			continue
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}

	var output io.Writer = writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	log.Logger = zerolog.New(output).With().Timestamp().Str("service", ServiceName).Logger()
	if cfg.EnableTrace {
		log.Logger = log.With().Caller().Logger()
	}

	log.Info().
		Str("level", cfg.Level).
		Str("format", cfg.Format).
		Bool("trace", cfg.EnableTrace).
		Str("file", cfg.File).
		Strs("output_paths", cfg.OutputPaths).
		Msg("Logging initialized")

	return nil
}
