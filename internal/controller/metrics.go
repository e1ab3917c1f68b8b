package controller

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	segments        metric.Int64Counter
	restarts        metric.Int64Counter
	restartFailures metric.Int64Counter
	errors          metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/controller")
	m := &metrics{}
	var err error
	if m.segments, err = meter.Int64Counter("loqa.scribe.segments", metric.WithDescription("Finalized transcript segments appended")); err != nil {
		log.Warn("failed to create segments counter", slogError(err))
	}
	if m.restarts, err = meter.Int64Counter("loqa.scribe.restarts", metric.WithDescription("Automatic session restart attempts")); err != nil {
		log.Warn("failed to create restarts counter", slogError(err))
	}
	if m.restartFailures, err = meter.Int64Counter("loqa.scribe.restart_failures", metric.WithDescription("Restarts abandoned after the deferred retry failed")); err != nil {
		log.Warn("failed to create restart failures counter", slogError(err))
	}
	if m.errors, err = meter.Int64Counter("loqa.scribe.errors", metric.WithDescription("Recognition errors by code")); err != nil {
		log.Warn("failed to create errors counter", slogError(err))
	}
	return m
}

func (m *metrics) segmentsAppended(n int) {
	if m.segments != nil {
		m.segments.Add(context.Background(), int64(n))
	}
}

func (m *metrics) restarted() {
	if m.restarts != nil {
		m.restarts.Add(context.Background(), 1)
	}
}

func (m *metrics) restartAbandoned() {
	if m.restartFailures != nil {
		m.restartFailures.Add(context.Background(), 1)
	}
}

func (m *metrics) recognitionError(code recognition.ErrorCode) {
	if m.errors != nil {
		m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", string(code))))
	}
}
