package vulkano

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler drops every record. Enabled reports false so call sites skip
// argument formatting and disabled logging stays off profiles.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// pkgLogger is swapped atomically so SetLogger may race with logging from
// any goroutine.
var pkgLogger atomic.Pointer[slog.Logger]

func init() {
	pkgLogger.Store(slog.New(nopHandler{}))
}

// SetLogger installs the package-wide logger. The package is silent until
// one is installed, and a nil logger silences it again. Devices opened
// with [WithLogger] keep their own logger and ignore this one.
//
// vulkano logs at three levels: Debug for per-submission diagnostics and
// cache activity, Info for device lifecycle, Warn for teardown with live
// resources and for driver release failures.
//
// Example:
//
//	vulkano.SetLogger(slog.Default())
//
//	// Full diagnostics:
//	vulkano.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	pkgLogger.Store(l)
}

// Logger returns the package-wide logger. Devices not configured with
// [WithLogger] log through it. Safe for concurrent use.
func Logger() *slog.Logger {
	return pkgLogger.Load()
}
