package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/clawars/backend/internal/config"
)

// Attribute keys shared by every service so agent and feed records can be
// filtered the same way across api-server, agent-sim and feed-tail.
const (
	KeyService      = "service"
	KeyComponent    = "component"
	KeyAgentID      = "agent_id"
	KeyChannel      = "channel"
	KeySubscriberID = "subscriber_id"
)

// New builds the service logger from configuration. The returned close func
// releases the log file when output includes one.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(writer, cfg.Format, level)
	if err != nil {
		_ = closeWriter()
		return nil, nil, err
	}
	return slog.New(handler).With(KeyService, serviceName), closeWriter, nil
}

func newHandler(writer io.Writer, format string, level slog.Level) (slog.Handler, error) {
	options := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(writer, options), nil
	case "json":
		return slog.NewJSONHandler(writer, options), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", format)
	}
}

// Component tags every record from a subsystem, e.g. component=ingest.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return orDefault(logger).With(KeyComponent, name)
}

// Agent scopes a logger to one agent.
func Agent(logger *slog.Logger, agentID string) *slog.Logger {
	return orDefault(logger).With(KeyAgentID, agentID)
}

// Feed scopes a logger to one live feed connection.
func Feed(logger *slog.Logger, channel, subscriberID string) *slog.Logger {
	return orDefault(logger).With(KeyChannel, channel, KeySubscriberID, subscriberID)
}

// Bootstrap is the logger used before configuration has been loaded.
func Bootstrap(serviceName string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(KeyService, serviceName)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" || output == "console" {
		return os.Stdout, noop, nil
	}
	if output != "file" && output != "both" {
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}

	file, err := openLogFile(serviceName, cfg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	if output == "both" {
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	}
	return file, file.Close, nil
}

// openLogFile appends to logs/<service>.log unless a path is configured.
func openLogFile(serviceName string, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join("logs", serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

func parseLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	switch strings.ToLower(value) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
	return level, nil
}
