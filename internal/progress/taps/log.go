package taps

import (
	"go.uber.org/zap"

	"github.com/parkpass/permitd/internal/progress"
)

// LogTap emits structured logs for progress streams. Useful during
// development or audits where no observer is attached.
type LogTap struct {
	logger *zap.Logger
}

// NewLogTap wires a zap logger to the tap interface.
func NewLogTap(logger *zap.Logger) *LogTap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTap{logger: logger}
}

// Observe logs the event using structured fields.
func (t *LogTap) Observe(evt progress.Event) {
	fields := []zap.Field{
		zap.String("request_id", evt.RequestID.String()),
		zap.Int("item", evt.ItemIndex),
		zap.String("step", evt.StepName),
		zap.String("status", string(evt.Status)),
		zap.String("phase", string(evt.Phase)),
	}
	if evt.Failure != "" {
		fields = append(fields, zap.String("failure", string(evt.Failure)))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	t.logger.Debug("progress event", fields...)
}
