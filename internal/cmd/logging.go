package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for --log-file.
const (
	logMaxSizeMB  = 64
	logMaxBackups = 5
	logMaxAgeDays = 30
)

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: use debug, info, warn or error", s)
	}
	return level, nil
}

// setupLogging builds o.logger from the logging flags. Logs go to stderr
// unless --log-file names a file, which is then rotated by size.
func (o *globalOptions) setupLogging(stderr io.Writer) error {
	level, err := parseLogLevel(o.logLevel)
	if err != nil {
		return err
	}

	w := stderr
	o.closeLog = nil
	if o.logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   o.logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		}
		w = lj
		o.closeLog = lj.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(o.logFormat) {
	case "text", "":
		o.logger = slog.New(slog.NewTextHandler(w, handlerOpts))
	case "json":
		o.logger = slog.New(slog.NewJSONHandler(w, handlerOpts))
	default:
		return fmt.Errorf("invalid --log-format %q: use text or json", o.logFormat)
	}
	return nil
}
