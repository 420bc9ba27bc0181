package syncq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/UniQw/syncq/internal/backoff"
	"github.com/UniQw/syncq/internal/hctx"
)

// MaxAttemptsMessage is stored on items frozen after exhausting their attempts.
const MaxAttemptsMessage = "max attempts reached"

// Executor delivers one item to the remote service. It may be invoked more than
// once for the same item after a crash, so it should be safe to repeat.
// A returned error is classified with IsConnectivity; its message is stored verbatim.
type Executor func(ctx context.Context, item Item) error

// FlushResult aggregates one pass.
type FlushResult struct {
	// Processed counts items handed to the executor.
	Processed int `json:"processed"`
	Done      int `json:"done"`
	Errored   int `json:"errored"`
	// Skipped counts unfinished items that were not attempted in this pass.
	Skipped int `json:"skipped"`
	// Interrupted is set when a connectivity failure ended the pass early.
	Interrupted bool   `json:"interrupted"`
	LastError   string `json:"last_error,omitempty"`
}

// Flush runs one bounded delivery pass. It fails fast with ErrLockHeld when
// another pass holds the lock. Per-item failures are recorded on the items and
// never returned; only lock, storage and context errors are.
func (q *Queue) Flush(ctx context.Context, exec Executor, opts ...FlushOption) (FlushResult, error) {
	return q.flush(ctx, exec, nil, opts)
}

func (q *Queue) flush(ctx context.Context, exec Executor, match ItemFilter, opts []FlushOption) (FlushResult, error) {
	var res FlushResult
	if exec == nil {
		return res, fmt.Errorf("syncq: nil executor")
	}
	cfg := newFlushOptions(opts)

	holder, err := q.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			q.log.Warnf("flush: lock held key=%s; pass skipped", q.keys.Lock)
			return res, err
		}
		return res, fmt.Errorf("syncq: acquire lock: %w", err)
	}
	defer q.release(ctx, holder)

	q.mu.Lock()
	items, err := q.store.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return res, err
	}

	for _, cand := range flushOrder(items, cfg.fifo) {
		if res.Processed >= cfg.maxItems {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if cand.Status == StatusDone {
			continue
		}
		if match != nil && !match(&cand) {
			res.Skipped++
			continue
		}
		if cand.Status == StatusError && !cfg.includeErrors {
			res.Skipped++
			continue
		}
		if cand.Attempts >= cfg.maxAttempts {
			res.Skipped++
			if err := q.freeze(ctx, cand); err != nil {
				return res, err
			}
			continue
		}
		if cand.NextEligibleAt > 0 && cand.NextEligibleAt > q.now().UnixMilli() {
			res.Skipped++
			continue
		}

		stop, err := q.attempt(ctx, exec, cand, cfg, &res)
		if err != nil {
			return res, err
		}
		if stop {
			break
		}
	}

	q.log.Infof("flush: processed=%d done=%d errored=%d skipped=%d interrupted=%v",
		res.Processed, res.Done, res.Errored, res.Skipped, res.Interrupted)
	return res, nil
}

// freeze moves an item that exhausted its attempts into ERROR for good.
func (q *Queue) freeze(ctx context.Context, cand Item) error {
	if cand.Status == StatusError && cand.LastError == MaxAttemptsMessage && cand.NextEligibleAt == 0 {
		return nil
	}
	_, err := q.update(ctx, cand.ID, func(it *Item) {
		it.Status = StatusError
		it.LastError = MaxAttemptsMessage
		it.NextEligibleAt = 0
	})
	if errors.Is(err, ErrItemNotFound) {
		return nil
	}
	if err == nil {
		q.log.Warnf("flush: frozen id=%s kind=%s attempts=%d", cand.ID, cand.Kind, cand.Attempts)
	}
	return err
}

// attempt delivers one item and records the outcome. stop reports whether the pass must end.
func (q *Queue) attempt(ctx context.Context, exec Executor, cand Item, cfg flushOptions, res *FlushResult) (bool, error) {
	startedAt := q.now().UnixMilli()
	it, err := q.update(ctx, cand.ID, func(it *Item) {
		it.Attempts++
		it.LastAttemptAt = startedAt
		it.Status = StatusPending
		it.NextEligibleAt = 0
	})
	if errors.Is(err, ErrItemNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res.Processed++

	result, execErr := q.execute(ctx, exec, it, cfg.timeout)

	// The caller gave up: leave the item as if it had not been attempted.
	if ctxErr := ctx.Err(); ctxErr != nil && execErr != nil {
		_, err := q.update(context.WithoutCancel(ctx), it.ID, rollback(execErr.Error()))
		if err != nil && !errors.Is(err, ErrItemNotFound) {
			return true, err
		}
		return true, ctxErr
	}

	switch {
	case execErr == nil:
		_, err = q.update(ctx, it.ID, func(it *Item) {
			it.Status = StatusDone
			it.LastError = ""
			it.NextEligibleAt = 0
			it.Result = result
		})
		if errors.Is(err, ErrItemNotFound) {
			q.log.Warnf("flush: id=%s deleted during delivery; outcome not recorded", it.ID)
			return false, nil
		}
		if err != nil {
			return true, err
		}
		res.Done++
		q.log.Debugf("flush: done id=%s kind=%s target=%s", it.ID, it.Kind, it.TargetID)
		return false, nil

	case IsConnectivity(execErr):
		msg := execErr.Error()
		_, err = q.update(ctx, it.ID, rollback(msg))
		if err != nil && !errors.Is(err, ErrItemNotFound) {
			return true, err
		}
		res.Interrupted = true
		res.LastError = msg
		q.log.Warnf("flush: connectivity failure id=%s kind=%s err=%v; stopping pass", it.ID, it.Kind, execErr)
		return true, nil

	default:
		msg := execErr.Error()
		var next int64
		_, err = q.update(ctx, it.ID, func(it *Item) {
			now := q.now()
			next = backoff.Next(it.Attempts, now, q.rnd).UnixMilli()
			it.Status = StatusError
			it.LastError = msg
			it.NextEligibleAt = next
		})
		if errors.Is(err, ErrItemNotFound) {
			q.log.Warnf("flush: id=%s deleted during delivery; outcome not recorded", it.ID)
			return false, nil
		}
		if err != nil {
			return true, err
		}
		res.Errored++
		res.LastError = msg
		q.log.Warnf("flush: rejected id=%s kind=%s attempts=%d next=%d err=%v", it.ID, it.Kind, it.Attempts, next, execErr)
		return cfg.stopOnError, nil
	}
}

// rollback undoes the optimistic attempt increment after a failure that never reached the remote side.
func rollback(msg string) func(*Item) {
	return func(it *Item) {
		if it.Attempts > 0 {
			it.Attempts--
		}
		it.Status = StatusPending
		it.NextEligibleAt = 0
		it.LastError = msg
	}
}

// execute runs exec with a handler state attached. With a timeout the call runs
// in its own goroutine so that an executor ignoring ctx cannot hang the pass.
func (q *Queue) execute(ctx context.Context, exec Executor, it Item, timeout time.Duration) ([]byte, error) {
	st := hctx.New()
	ectx := hctx.WithState(ctx, st)
	if timeout <= 0 {
		err := safeCall(ectx, exec, it)
		return st.Result, err
	}

	ectx, cancel := context.WithTimeout(ectx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- safeCall(ectx, exec, it) }()
	select {
	case err := <-done:
		return st.Result, err
	case <-ectx.Done():
		return nil, fmt.Errorf("syncq: executor timeout after %s: %w", timeout, ectx.Err())
	}
}

func safeCall(ctx context.Context, exec Executor, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("syncq: executor panic: %v", r)
		}
	}()
	return exec(ctx, it)
}

// flushOrder returns the items in processing order. Storage is newest-first, so
// reversing it yields insertion order, which breaks CreatedAt ties.
func flushOrder(items []Item, fifo bool) []Item {
	out := make([]Item, len(items))
	if !fifo {
		copy(out, items)
		return out
	}
	for i := range items {
		out[len(items)-1-i] = items[i]
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	return out
}
