package license

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opsconsole/internal/infrastructure"
)

const componentName = "license_controller"

// actionLogger writes license audit records with trace correlation. The
// base logger carries the component; the context supplies the trace id.
type actionLogger struct {
	base *slog.Logger
}

func newActionLogger(base *slog.Logger) actionLogger {
	if base == nil {
		base = slog.Default()
	}
	return actionLogger{base: base.With(slog.String("component", componentName))}
}

// logOperation records the end of a timed operation on the log and the
// active span.
func (l actionLogger) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	duration := time.Since(start)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.operation", operation),
			attribute.Int64("license.duration_ms", duration.Milliseconds()),
			attribute.Bool("license.success", err == nil),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_type", classifyLicenseError(err)),
		)
		l.base.LogAttrs(ctx, slog.LevelWarn, "License operation failed", attrs...)
		return
	}
	l.base.LogAttrs(ctx, slog.LevelDebug, "License operation completed", attrs...)
}

func (l actionLogger) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if trace.SpanFromContext(ctx).IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("action", action),
		slog.String("category", operationCategory(action)),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
	)
	all = append(all, attrs...)
	l.base.LogAttrs(ctx, level, result, all...)
}

// logKeyAction logs an action involving a license key and principal. Only
// masked or hashed forms of either ever reach the log.
func (l actionLogger) logKeyAction(ctx context.Context, level slog.Level, action, result, licenseKey string, p Principal, attrs ...slog.Attr) {
	keyAttrs := []slog.Attr{
		slog.String("license_key_masked", MaskLicenseKey(licenseKey)),
		slog.String("license_key_hash", hashLicenseKey(licenseKey)),
		slog.String("user_email_masked", maskEmail(p.Email)),
	}
	l.logAction(ctx, level, action, result, append(keyAttrs, attrs...)...)
}

func (l actionLogger) debug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (l actionLogger) info(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (l actionLogger) warn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (l actionLogger) error(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelError, action, result, attrs...)
}

func operationCategory(action string) string {
	switch {
	case strings.Contains(action, "activation"):
		return "activation"
	case strings.Contains(action, "fetch"), strings.Contains(action, "refresh"):
		return "status"
	case strings.Contains(action, "poll"):
		return "schedule"
	default:
		return "other"
	}
}
