// Package logging configures the loggo loggers used by both binaries.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
)

const (
	maxLogSizeMB   = 10
	maxLogBackups  = 3
	fileWriterName = "file"
)

// Setup sets the root log level and, when file is non-empty, adds a
// rotating log file next to the stderr writer. Only warnings and worse
// reach stderr unless verbose is set.
func Setup(level, file string, verbose bool) error {
	lvl, ok := loggo.ParseLevel(normalizeLevel(level))
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}

	stderrLevel := loggo.WARNING
	if verbose {
		stderrLevel = lvl
	}
	stderr := loggo.NewMinimumLevelWriter(loggo.NewSimpleWriter(os.Stderr, loggo.DefaultFormatter), stderrLevel)
	if _, err := loggo.ReplaceDefaultWriter(stderr); err != nil {
		return fmt.Errorf("replace default writer: %w", err)
	}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return fmt.Errorf("ensure log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			Compress:   true,
		}
		_, _ = loggo.RemoveWriter(fileWriterName)
		if err := loggo.RegisterWriter(fileWriterName, loggo.NewSimpleWriter(lj, loggo.DefaultFormatter)); err != nil {
			return fmt.Errorf("register file writer: %w", err)
		}
	}

	return loggo.ConfigureLoggers("<root>=" + lvl.String())
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return "INFO"
	case "warn", "warning":
		return "WARNING"
	default:
		return strings.ToUpper(strings.TrimSpace(level))
	}
}
