package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogAppender writes events to the structured log.
type LogAppender struct {
	log zerolog.Logger
}

func NewLogAppender(log zerolog.Logger) *LogAppender {
	return &LogAppender{log: log.With().Str("component", "audit").Logger()}
}

func (l *LogAppender) Append(_ context.Context, e Event) error {
	l.log.Info().
		Str("event_id", e.ID).
		Str("alert_id", e.AlertID).
		Str("kind", string(e.Kind)).
		Int("tier", e.Tier).
		Uint64("generation", e.Generation).
		Str("actor", e.Actor).
		Str("report_id", e.ReportID).
		Str("detail", e.Detail).
		Time("at", e.At).
		Msg("audit")
	return nil
}
