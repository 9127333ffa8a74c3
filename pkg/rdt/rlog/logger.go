// Package rlog defines the leveled textual Logger the core consumes as an
// external collaborator (spec §6), and a default implementation backed by
// github.com/datawire/dlib/dlog — the same context-scoped logging facility
// the teacher's pkg/vif/tcp and pkg/client/userd packages log through.
package rlog

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// Logger is a leveled, context-scoped textual sink. Every method takes the
// ctx carrying the call's logging scope, mirroring dlog's own function
// signatures so implementations can wrap dlog directly.
type Logger interface {
	Trace(ctx context.Context, args ...any)
	Tracef(ctx context.Context, format string, args ...any)
	Info(ctx context.Context, args ...any)
	Infof(ctx context.Context, format string, args ...any)
	Warn(ctx context.Context, args ...any)
	Warnf(ctx context.Context, format string, args ...any)
	Error(ctx context.Context, args ...any)
	Errorf(ctx context.Context, format string, args ...any)
}

type dlogLogger struct{}

// Dlog returns a Logger backed by github.com/datawire/dlib/dlog. The
// returned logger is level-filtered by whatever logger dlog.WithLogger (or
// its default) has installed in the context it's called with.
func Dlog() Logger { return dlogLogger{} }

func (dlogLogger) Trace(ctx context.Context, args ...any)                 { dlog.Trace(ctx, args...) }
func (dlogLogger) Tracef(ctx context.Context, format string, args ...any) { dlog.Tracef(ctx, format, args...) }
func (dlogLogger) Info(ctx context.Context, args ...any)                  { dlog.Info(ctx, args...) }
func (dlogLogger) Infof(ctx context.Context, format string, args ...any)  { dlog.Infof(ctx, format, args...) }
func (dlogLogger) Warn(ctx context.Context, args ...any)                  { dlog.Warn(ctx, args...) }
func (dlogLogger) Warnf(ctx context.Context, format string, args ...any)  { dlog.Warnf(ctx, format, args...) }
func (dlogLogger) Error(ctx context.Context, args ...any)                 { dlog.Error(ctx, args...) }
func (dlogLogger) Errorf(ctx context.Context, format string, args ...any) { dlog.Errorf(ctx, format, args...) }
