package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a JSON logger tagged with component. QHIST_LOG_LEVEL selects
// debug, info or warn; QHIST_LOG_FILE sends output to a rotated file instead
// of stdout.
func New(component string) *slog.Logger {
	var out io.Writer = os.Stdout
	if path := os.Getenv("QHIST_LOG_FILE"); path != "" {
		out = &lumberjack.Logger{Filename: path, MaxSize: 100, MaxBackups: 5, MaxAge: 28, Compress: true}
	}
	return NewWriter(out, os.Getenv("QHIST_LOG_LEVEL"), component)
}

func NewWriter(w io.Writer, level, component string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level(level)})
	return slog.New(h).With("component", component)
}

func Level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
