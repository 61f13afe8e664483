package llm

import (
	"context"
	"time"

	"github.com/haasonsaas/mcpmux/internal/observability"
)

type instrumented struct {
	next     Model
	provider string
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Instrument wraps m so every request is counted, timed and traced.
func Instrument(m Model, provider string, metrics *observability.Metrics, tracer *observability.Tracer) Model {
	return &instrumented{next: m, provider: provider, metrics: metrics, tracer: tracer}
}

func (i *instrumented) Respond(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := i.tracer.TraceModelRequest(ctx, i.provider, "")
	defer span.End()

	start := time.Now()
	resp, err := i.next.Respond(ctx, req)

	status := "success"
	switch {
	case err != nil:
		status = "error"
		i.tracer.RecordError(span, err)
	case !resp.Complete:
		status = "incomplete"
	}
	i.metrics.RecordModelRequest(i.provider, status, time.Since(start))
	return resp, err
}
