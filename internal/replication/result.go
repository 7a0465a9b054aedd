package replication

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result tracks one replication job's progress toward quorum. It
// resolves successfully once W copies exist, and with an error once
// remote failures exceed maxErrors or the job coordinator declares the
// quorum unreachable. The first resolution wins; later counts are
// recorded but change nothing.
type Result struct {
	w         int
	maxErrors int

	mu        sync.Mutex
	successes int
	errs      []error
	resolved  bool
	err       error
	done      chan struct{}
}

// NewResult returns an unresolved result requiring w total copies.
func NewResult(w, maxErrors int) *Result {
	return &Result{
		w:         w,
		maxErrors: maxErrors,
		done:      make(chan struct{}),
	}
}

// AddSuccess records one stored copy, resolving the result once the
// count reaches W.
func (r *Result) AddSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
	if !r.resolved && r.successes >= r.w {
		r.resolveLocked(nil)
	}
}

// AddError records one failed send, failing the result once errors
// exceed maxErrors.
func (r *Result) AddError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	if !r.resolved && len(r.errs) > r.maxErrors {
		r.resolveLocked(fmt.Errorf("replication aborted after %d errors: %w", len(r.errs), err))
	}
}

// Fail resolves the result with err if it has not resolved yet.
func (r *Result) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resolved {
		r.resolveLocked(err)
	}
}

func (r *Result) resolveLocked(err error) {
	r.resolved = true
	r.err = err
	close(r.done)
}

// Successes returns the copies recorded so far.
func (r *Result) Successes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes
}

// Errors returns the number of failed sends recorded so far.
func (r *Result) Errors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// Wait blocks until the result resolves, the timeout passes, or ctx is
// cancelled. Timeout and cancellation surface as errors; the job keeps
// running and may still complete, which is harmless.
func (r *Result) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-timer.C:
		return fmt.Errorf("replication timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
