// Package dnslog holds the process-wide default logger for the private DNS
// validation engine. Components never construct their own logger; they pull
// one from context (or fall back to Log) the way internal/probes and
// internal/provider pull sigs.k8s.io/controller-runtime/pkg/log in the
// teacher this engine is adapted from.
package dnslog

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Log is the engine-wide default logger. Replace it with SetLogger before
// wiring any component if the embedding process has its own logging sink.
var Log logr.Logger = logr.Discard()

// SetLogger installs l as the process-wide default.
func SetLogger(l logr.Logger) {
	Log = l
}

// NewDefault builds the default zap-backed logger at the given level.
// development=true switches to a human-readable console encoder instead of
// the production JSON encoder, matching withLogMode in the teacher's
// cmd/main.go.
func NewDefault(level zapcore.Level, development bool) logr.Logger {
	return crzap.New(
		func(o *crzap.Options) { o.Level = level },
		func(o *crzap.Options) { o.Development = development },
	)
}

// NewFromZap wraps an already-constructed *zap.Logger with zapr directly,
// for an embedding process that configures its own zap pipeline (sampling,
// custom cores, sinks) rather than taking crzap's Options builder.
func NewFromZap(base *zap.Logger) logr.Logger {
	return zapr.NewLogger(base)
}

// IntoContext attaches l to ctx, the way logr.NewContext does in the
// controller-runtime convention the teacher follows.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return logr.NewContext(ctx, l)
}

// FromContext returns the logger attached to ctx, or the engine default if
// none was attached.
func FromContext(ctx context.Context) logr.Logger {
	if l, err := logr.FromContext(ctx); err == nil {
		return l
	}
	return Log
}
