// Package recovery retries a tool call once after repairing a known missing
// precondition on the server (not initialized, no data loaded, no previous
// calculation).
//
// A Pipeline runs its target. When the result matches the precondition
// predicate, every remediation step runs in order, each failure logged and
// swallowed, and the target is retried exactly once. The retry's result is
// final.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/mcpmux/internal/mcp"
	"github.com/haasonsaas/mcpmux/internal/observability"
)

// Op is one tool call. The error is reserved for caller misuse such as a
// stopped pool; tool failures travel in the Result.
type Op func(ctx context.Context) (mcp.Result, error)

// Step is one named remediation action.
type Step struct {
	Name string
	Run  Op
}

// Predicate decides whether a result reports a missing precondition.
type Predicate func(mcp.Result) bool

// Pipeline is a target call with its recovery plan.
type Pipeline struct {
	// Name labels logs and metrics.
	Name           string
	Target         Op
	IsPrecondition Predicate
	Remediation    []Step
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Run executes the pipeline.
func (p Pipeline) Run(ctx context.Context) (mcp.Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery", "flow", p.Name)

	res, err := p.Target(ctx)
	if err != nil {
		return res, err
	}
	if p.IsPrecondition == nil || !p.IsPrecondition(res) {
		return res, nil
	}

	logger.Info("precondition missing, running remediation", "reason", res.Message(), "steps", len(p.Remediation))
	for _, step := range p.Remediation {
		if step.Run == nil {
			continue
		}
		if stepRes, err := runStep(ctx, step); err != nil {
			logger.Warn("remediation step failed", "step", step.Name, "error", err)
		} else if !stepRes.OK() {
			logger.Warn("remediation step failed", "step", step.Name, "error", stepRes.Message())
		}
	}

	res, err = p.Target(ctx)
	if err != nil {
		return res, err
	}
	outcome := "recovered"
	if p.IsPrecondition(res) || !res.OK() {
		outcome = "failed"
	}
	p.Metrics.RecordRecovery(p.Name, outcome)
	logger.Info("retried after remediation", "outcome", outcome)
	return res, nil
}

func runStep(ctx context.Context, step Step) (res mcp.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Run(ctx)
}

// Once builds and runs an unnamed pipeline.
func Once(ctx context.Context, target Op, isPrecondition Predicate, remediation ...Step) (mcp.Result, error) {
	return Pipeline{Target: target, IsPrecondition: isPrecondition, Remediation: remediation}.Run(ctx)
}

// MessageContains matches failures whose message contains any signature,
// ignoring case.
func MessageContains(signatures ...string) Predicate {
	lowered := make([]string, len(signatures))
	for i, s := range signatures {
		lowered[i] = strings.ToLower(s)
	}
	return func(res mcp.Result) bool {
		if res.OK() {
			return false
		}
		msg := strings.ToLower(res.Message())
		for _, sig := range lowered {
			if sig != "" && strings.Contains(msg, sig) {
				return true
			}
		}
		return false
	}
}

// EmptyField matches successes whose key is missing, null or an empty list.
func EmptyField(key string) Predicate {
	return func(res mcp.Result) bool {
		if !res.OK() {
			return false
		}
		v, ok := res.Get(key)
		if !ok || v == nil {
			return true
		}
		switch list := v.(type) {
		case []any:
			return len(list) == 0
		case []map[string]any:
			return len(list) == 0
		}
		return false
	}
}

// Any matches when one of preds does.
func Any(preds ...Predicate) Predicate {
	return func(res mcp.Result) bool {
		for _, pred := range preds {
			if pred != nil && pred(res) {
				return true
			}
		}
		return false
	}
}
