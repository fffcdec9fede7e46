// Package logging builds the structured logger shared by every component.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nhle/pimsync/internal/model"
)

type contextKey string

const (
	accountIDKey    contextKey = "account_id"
	collectionIDKey contextKey = "collection_id"
)

// secretKeys are attribute keys whose values never reach the output.
var secretKeys = map[string]bool{
	"password":     true,
	"secret":       true,
	"app_password": true,
	"token":        true,
	"poll_token":   true,
}

const redacted = "[redacted]"

// New creates a logger from the logging section of the app config. The
// returned closer releases a log file, if one was opened.
func New(cfg model.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		output = f
		closer = f
	}

	return slog.New(NewHandler(output, cfg.Format, level)), closer, nil
}

// NewHandler returns a text or JSON handler that redacts secrets and
// appends context-carried account and collection ids.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return contextHandler{Handler: h}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
		}
	}
	return a
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// WithAccount returns a context whose log records carry the account id.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// WithCollection returns a context whose log records carry the collection id.
func WithCollection(ctx context.Context, collectionID string) context.Context {
	return context.WithValue(ctx, collectionIDKey, collectionID)
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(accountIDKey).(string); ok && id != "" {
		r.AddAttrs(slog.String(string(accountIDKey), id))
	}
	if id, ok := ctx.Value(collectionIDKey).(string); ok && id != "" {
		r.AddAttrs(slog.String(string(collectionIDKey), id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
