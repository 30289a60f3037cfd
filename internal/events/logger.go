package events

import (
	"context"

	"go.uber.org/zap"
)

// LogEvents logs every event from the bus until ctx ends. Failures are
// logged at warn or error, commits at debug.
func LogEvents(ctx context.Context, bus *Bus, logger *zap.Logger) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)
	logger = logger.Named("events")

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.Ch:
			logEvent(logger, e)
		}
	}
}

func logEvent(logger *zap.Logger, e Event) {
	fields := []zap.Field{zap.String("event", e.Type.String())}
	if e.EntityKey != "" {
		fields = append(fields, zap.String("entity_key", e.EntityKey))
	}
	if e.BatchID != "" {
		fields = append(fields, zap.String("batch_id", e.BatchID))
	}
	if len(e.Offsets) > 0 {
		offs := make([]string, len(e.Offsets))
		for i, o := range e.Offsets {
			offs[i] = o.String()
		}
		fields = append(fields, zap.Strings("offsets", offs))
	}
	if e.Count > 0 {
		fields = append(fields, zap.Int("count", e.Count))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}

	switch e.Type {
	case BatchApplyFailure:
		logger.Error("batch apply failed", fields...)
	case RecordRejected:
		logger.Warn("record rejected", fields...)
	case SchemaViolation:
		logger.Warn("schema violation", fields...)
	default:
		logger.Debug("pipeline event", fields...)
	}
}
