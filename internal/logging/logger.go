// Package logging sets up the zerolog-based structured logging stack,
// generalizing the teacher's single global logger (internal/utils/logger.go)
// into per-component child loggers, since many site workers run
// concurrently and their log lines must be attributable.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init builds the root logger from the given config and returns it. Callers
// derive component loggers with root.With().Str("component", name).Logger().
func Init(cfg config.LoggingConfig) (zerolog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return zerolog.Logger{}, err
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	mainLog := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "crawlcore.log"),
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAgeDays,
		Compress:   cfg.Rotation.Compress,
	}
	errorLog := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "crawlcore_error.log"),
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAgeDays,
		Compress:   cfg.Rotation.Compress,
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	multi := zerolog.MultiLevelWriter(console, mainLog, &levelFilteredWriter{w: errorLog, min: zerolog.ErrorLevel})

	logger := zerolog.New(multi).With().Timestamp().Logger()
	logger.Info().Str("level", cfg.Level).Str("log_dir", cfg.LogDir).Msg("logging initialized")
	return logger, nil
}

// levelFilteredWriter only forwards writes at or above min, mirroring the
// teacher's FilteredWriter (internal/utils/logger.go) so the error log file
// only ever contains error-and-above lines.
type levelFilteredWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilteredWriter) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel on writers that implement LevelWriter; a
	// plain Write (e.g. from a library bypassing the hook) is treated as
	// info-level and dropped from the error-only file.
	return len(p), nil
}

func (f *levelFilteredWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}
