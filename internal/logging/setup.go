package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opsforge/rebuildd/internal/config"
)

// Setup initializes the logging system based on the configuration
func Setup(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("invalid_level", cfg.Logging.Level).Msg("Invalid log level, using info")
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if !cfg.Logging.Enabled {
		// Keep console logging only
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	}

	if err := os.MkdirAll(cfg.Logging.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := filepath.Join(cfg.Logging.Dir, cfg.Logging.File)
	fileWriter := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}
	if err := os.Chmod(logFile, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", logFile).Msg("Failed to set secure permissions on log file")
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(io.MultiWriter(consoleWriter, fileWriter)).With().Timestamp().Logger()

	log.Info().
		Str("log_file", logFile).
		Str("level", level.String()).
		Msg("File logging initialized")
	return nil
}
