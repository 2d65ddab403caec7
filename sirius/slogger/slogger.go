// Package slogger configures the process-wide slog logger.
//
// Call Init() (environment driven) or Setup() (explicit options) early in
// main(). Both install a handler that also emits any attributes attached to
// the context with ContextAttrs, so request and cycle identifiers follow a
// call chain without threading a logger through it.
//
// Valid levels: "debug", "info", "warn", "error". Default: "info".
// Valid formats: "text", "json". Default: "text".
package slogger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level holds the dynamic log level so it can be queried at runtime.
var level *slog.LevelVar

// Options selects the handler installed by Setup.
type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

// Init reads LOG_LEVEL and LOG_FORMAT and installs the default logger on stdout.
func Init() {
	Setup(Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
}

// Setup installs the default logger described by opts and returns it.
func Setup(opts Options) *slog.Logger {
	level = &slog.LevelVar{}
	level.Set(parseLevel(opts.Level))

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		base = slog.NewJSONHandler(w, hopts)
	} else {
		base = slog.NewTextHandler(w, hopts)
	}

	logger := slog.New(ContextHandler{Handler: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the installed logger.
func SetLevel(s string) {
	if level == nil {
		return
	}
	level.Set(parseLevel(s))
}

// Level returns the current slog.Level.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// IsDebug returns true when the current log level is debug or lower.
func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

type ctxKey struct{}

// ContextHandler adds attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a child context carrying attrs in addition to any
// already attached.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	a := make([]slog.Attr, 0, len(prev)+len(attrs))
	a = append(a, prev...)
	a = append(a, attrs...)
	return context.WithValue(ctx, ctxKey{}, a)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
