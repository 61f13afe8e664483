package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/mcpmux/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScripted(t *testing.T) {
	errDown := errors.New("backend down")
	m := NewScripted(
		Reply{Text: "one"},
		Reply{Text: "partial", Incomplete: true},
		Reply{Err: errDown},
	)
	ctx := context.Background()

	r1, err := m.Respond(ctx, &Request{Segments: []Segment{User("a")}})
	if err != nil || r1.Text != "one" || r1.Token != "scripted-1" || !r1.Complete {
		t.Fatalf("first = %+v, %v", r1, err)
	}
	r2, err := m.Respond(ctx, &Request{Segments: []Segment{User("b")}, Token: r1.Token})
	if err != nil || r2.Complete {
		t.Fatalf("second = %+v, %v", r2, err)
	}
	if _, err := m.Respond(ctx, &Request{Segments: []Segment{User("c")}}); !errors.Is(err, errDown) {
		t.Fatalf("third error = %v", err)
	}
	if _, err := m.Respond(ctx, &Request{Segments: []Segment{User("d")}}); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("fourth error = %v", err)
	}
	if _, err := m.Respond(ctx, &Request{}); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("empty request error = %v", err)
	}

	reqs := m.Requests()
	if len(reqs) != 4 || reqs[1].Token != "scripted-1" {
		t.Errorf("recorded requests = %+v", reqs)
	}
}

func TestInstrument(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	m := Instrument(NewScripted(Reply{Text: "ok"}, Reply{Text: "cut", Incomplete: true}), "scripted", metrics, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		_, _ = m.Respond(ctx, &Request{Segments: []Segment{User("x")}})
	}

	if got := testutil.ToFloat64(metrics.ModelRequestCounter.WithLabelValues("scripted", "success")); got != 1 {
		t.Errorf("success requests = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ModelRequestCounter.WithLabelValues("scripted", "incomplete")); got != 1 {
		t.Errorf("incomplete requests = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ModelRequestCounter.WithLabelValues("scripted", "error")); got != 1 {
		t.Errorf("error requests = %v", got)
	}
}
