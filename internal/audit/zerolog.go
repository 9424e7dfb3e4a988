package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologSink writes each event as one structured log line.
type ZerologSink struct {
	logger zerolog.Logger
}

func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

func (s *ZerologSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}

	level := zerolog.InfoLevel
	if !event.Success {
		level = zerolog.WarnLevel
	}

	e := s.logger.WithLevel(level).
		Str("audit_id", event.ID).
		Time("at", event.Timestamp).
		Str("event", event.EventType).
		Bool("success", event.Success)
	if event.Identity != "" {
		e = e.Str("identity", event.Identity)
	}
	if event.RequestID != "" {
		e = e.Str("request_id", event.RequestID)
	}
	if event.IP != "" {
		e = e.Str("ip", event.IP)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		dict := zerolog.Dict()
		for k, v := range event.Metadata {
			dict = dict.Str(k, v)
		}
		e = e.Dict("metadata", dict)
	}
	e.Msg("audit")
}
