// Package audit records every generated query together with the question
// that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/sqlchat/sqlchat/internal/observability"
)

type Entry struct {
	SessionID  string
	Subject    string
	Persona    string
	Question   string
	SQL        string
	Outcome    string
	Error      string
	Rows       int
	DurationMs int64
	At         time.Time
}

// Recorder must not block the turn it is called from.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type LogRecorder struct {
	Logger *slog.Logger
}

func (r LogRecorder) Record(ctx context.Context, entry Entry) {
	level := slog.LevelInfo
	if entry.Outcome != "ok" {
		level = slog.LevelWarn
	}
	observability.LoggerFrom(ctx, r.Logger).Log(ctx, level, "generated_query",
		slog.String("session_id", entry.SessionID),
		slog.String("subject", entry.Subject),
		slog.String("persona", entry.Persona),
		slog.String("question", entry.Question),
		slog.String("sql", entry.SQL),
		slog.String("outcome", entry.Outcome),
		slog.String("error", entry.Error),
		slog.Int("rows", entry.Rows),
		slog.Int64("duration_ms", entry.DurationMs),
	)
}

type Multi []Recorder

func (m Multi) Record(ctx context.Context, entry Entry) {
	for _, recorder := range m {
		if recorder != nil {
			recorder.Record(ctx, entry)
		}
	}
}

type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
