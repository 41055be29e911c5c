package log

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures Setup.
type Options struct {
	Level  string
	Format string // text|json
	File   string
	// FileOnly 为 true 时不写 stderr（后台进程没有终端）。
	FileOnly bool
	// Ring, when set, receives a copy of every record that passes the level filter.
	Ring *Ring
	// Stderr overrides os.Stderr, mainly for tests.
	Stderr io.Writer
}

// Setup builds the process logger from opts and installs it as the slog default.
// The returned closer releases the log file, if one was opened.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if !opts.FileOnly || strings.TrimSpace(opts.File) == "" {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, stderr)
	}

	if logPath := ExpandPath(opts.File); logPath != "" {
		// Ensure log directory exists
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, logFile)
		closer = logFile
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	if opts.Ring != nil {
		handler = NewRingHandler(handler, opts.Ring)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExpandPath 展开路径中的 "~/"（仅支持当前用户），避免把日志写到相对目录下的 "~" 文件夹。
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(os.PathSeparator)) {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
