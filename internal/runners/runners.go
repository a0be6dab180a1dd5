// Package runners executes the automated verification gates. A runner never
// decides task state; it only reports what it observed.
package runners

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aicallyu/olympus/internal/domain"
)

// Request carries everything a gate needs to check one task.
type Request struct {
	Task     domain.Task
	Project  domain.Project
	Criteria []domain.Criterion
}

type Result struct {
	Passed  bool
	Summary string
	Details map[string]any
}

type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Run(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Safe runs r under timeout. Errors, panics and timeouts come back as failed
// results carrying the error text, so a broken collaborator never crashes the
// pipeline.
func Safe(ctx context.Context, r Runner, req Request, timeout time.Duration) (res Result) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Summary: fmt.Sprintf("runner panic: %v", p),
				Details: map[string]any{"panic": fmt.Sprint(p), "stack": string(debug.Stack())},
			}
		}
	}()
	out, err := r.Run(ctx, req)
	if err != nil {
		summary := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			summary = fmt.Sprintf("runner timed out after %s: %v", timeout, err)
		}
		details := out.Details
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = err.Error()
		return Result{Summary: summary, Details: details}
	}
	if out.Details == nil {
		out.Details = map[string]any{}
	}
	return out
}
