// Package logging builds the zap logger of the execution manager.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by New.
const (
	FormatJSON    = "JSON"
	FormatConsole = "CONSOLE"
)

// Identity names the sandbox the manager runs in. Every log line carries it.
type Identity struct {
	Hostname      string
	ContainerName string
	UUID          string
	UserID        string
	WorkflowName  string
	WorkflowID    string
}

// Options configures New.
type Options struct {
	Level    string // DEBUG, INFO, WARN or ERROR
	Format   string // JSON or CONSOLE
	File     string // Optional file receiving a copy of every line
	Identity Identity
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func consoleTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

func encoderConfig(format string) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == FormatConsole {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = consoleTime
		cfg.ConsoleSeparator = " | "
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg
}

// New builds a logger writing to stdout and, when opts.File is set, to that
// file. The identity fields are attached to every entry. The returned close
// func flushes the logger and closes the log file; call it once, last.
func New(opts Options) (*zap.Logger, func() error, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	format := strings.ToUpper(opts.Format)
	var encoder zapcore.Encoder
	switch format {
	case FormatConsole:
		encoder = zapcore.NewConsoleEncoder(encoderConfig(format))
	case "", FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig(format))
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	var file *os.File
	if opts.File != "" {
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, zapcore.AddSync(file))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.AddCaller()).With(opts.Identity.Fields()...)

	closeFn := func() error {
		// Sync of stdout fails on some terminals.
		_ = logger.Sync()
		if file == nil {
			return nil
		}
		return file.Close()
	}
	return logger, closeFn, nil
}

// Fields returns the identity as zap fields. Empty values are skipped.
func (id Identity) Fields() []zap.Field {
	pairs := []struct{ key, value string }{
		{"hostname", id.Hostname},
		{"containername", id.ContainerName},
		{"uuid", id.UUID},
		{"userid", id.UserID},
		{"workflowname", id.WorkflowName},
		{"workflowid", id.WorkflowID},
	}
	fields := make([]zap.Field, 0, len(pairs))
	for _, p := range pairs {
		if p.value != "" {
			fields = append(fields, zap.String(p.key, p.value))
		}
	}
	return fields
}
