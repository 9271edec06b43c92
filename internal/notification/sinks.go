package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes records to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, rec DispatchRecord) error {
	event := s.logger.Info()
	if rec.ManualDispatch {
		event = s.logger.Warn()
	}
	event.
		Str("event_id", rec.EventID.String()).
		Str("type", string(rec.Type)).
		Str("case_id", rec.CaseID.String()).
		Str("from_provider_id", rec.FromProviderID.String()).
		Str("to_provider_id", rec.ToProviderID.String()).
		Str("state", string(rec.State)).
		Str("urgency", string(rec.Urgency)).
		Str("reason", rec.ReasonCode).
		Bool("manual_dispatch", rec.ManualDispatch).
		Time("timestamp", rec.Timestamp).
		Msg("case event")
	return nil
}
