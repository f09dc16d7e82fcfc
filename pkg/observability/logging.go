package observability

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aretw0/orchestra/pkg/domain"
)

// LoggingHooks returns lifecycle hooks that write one structured line per
// transition. Failures are logged at Warn, everything else at Debug or Info.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnWorkflow: func(ctx context.Context, ev domain.Event) {
			level := slog.LevelInfo
			if ev.Type == domain.EventWorkflowFailed {
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, "workflow "+strings.TrimPrefix(string(ev.Type), "workflow_"), eventAttrs(ev)...)
		},
		OnNode: func(ctx context.Context, ev domain.Event) {
			level := slog.LevelDebug
			if ev.Type == domain.EventNodeFailed {
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, "node "+string(ev.Type), eventAttrs(ev)...)
		},
	}
}

func eventAttrs(ev domain.Event) []slog.Attr {
	attrs := []slog.Attr{slog.String("workflow_id", string(ev.WorkflowID))}
	if ev.NodeID != "" {
		attrs = append(attrs, slog.String("node", string(ev.NodeID)))
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	if ev.Kind != domain.KindNone {
		attrs = append(attrs, slog.String("kind", string(ev.Kind)))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("err", ev.Error))
	}
	return attrs
}
