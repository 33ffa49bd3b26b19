// Package fanout runs independent backend calls concurrently and joins them
// without letting one branch's failure cancel or hide the others.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Branch is one independent call in a fan-out.
type Branch struct {
	Name string
	Call func(ctx context.Context) (any, error)
}

// Outcome records how a single branch finished.
type Outcome struct {
	Name    string
	Value   any
	Err     error
	Elapsed time.Duration
}

func (o Outcome) OK() bool { return o.Err == nil }

type Options struct {
	// Timeout bounds each branch separately. Zero means no extra bound.
	Timeout time.Duration
	// Limit caps concurrently running branches. Zero means unbounded.
	Limit int
	// OnDone is called once per branch as soon as it finishes, serialised.
	OnDone func(Outcome)
}

// Run starts every branch at once, each with its own timeout, and waits for
// all of them. Outcomes are returned in branch order. Run never fails.
func Run(ctx context.Context, timeout time.Duration, branches ...Branch) []Outcome {
	return RunWith(ctx, Options{Timeout: timeout}, branches...)
}

func RunWith(ctx context.Context, opts Options, branches ...Branch) []Outcome {
	outcomes := make([]Outcome, len(branches))
	if len(branches) == 0 {
		return outcomes
	}

	// Plain Group: a failing branch must not cancel its siblings.
	var g errgroup.Group
	if opts.Limit > 0 {
		g.SetLimit(opts.Limit)
	}
	var doneMu sync.Mutex

	for i, b := range branches {
		g.Go(func() error {
			out := runBranch(ctx, opts.Timeout, b)
			outcomes[i] = out
			if opts.OnDone != nil {
				doneMu.Lock()
				opts.OnDone(out)
				doneMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func runBranch(parent context.Context, timeout time.Duration, b Branch) (out Outcome) {
	out.Name = b.Name
	start := time.Now()
	defer func() { out.Elapsed = time.Since(start) }()

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	if b.Call == nil {
		out.Err = fmt.Errorf("%s: no call", b.Name)
		return out
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s: panic: %v", b.Name, r)}
			}
		}()
		v, err := b.Call(ctx)
		done <- result{value: v, err: err}
	}()

	// A call that ignores its context is abandoned at the deadline.
	select {
	case r := <-done:
		out.Value, out.Err = r.value, r.err
	case <-ctx.Done():
		out.Err = ctx.Err()
	}
	return out
}

// Value extracts a typed value from a successful outcome.
func Value[T any](o Outcome) (T, bool) {
	var zero T
	if o.Err != nil {
		return zero, false
	}
	v, ok := o.Value.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Find returns the outcome named name.
func Find(outcomes []Outcome, name string) (Outcome, bool) {
	for _, o := range outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return Outcome{}, false
}
