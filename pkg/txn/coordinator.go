// Package txn implements the transaction coordinator: the high-level
// begin/commit/abort lifecycle layered over pkg/txlog, plus the in-memory
// content-hash dedup gate and the execute_with_transaction unified
// primitive, per spec.md §4.2.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cymbiont/cymbiont/pkg/txlog"
)

var (
	// ErrDuplicateContent is returned by ExecuteWithTransaction when an
	// in-flight (not yet committed or aborted) transaction already carries
	// an identical content hash.
	ErrDuplicateContent = errors.New("txn: duplicate content is already pending")
)

// OperationFailedError wraps the error returned by a closure passed to
// ExecuteWithTransaction. By the time this is returned the underlying
// transaction has been aborted with Reason, unless the abort itself failed;
// that failure is not reported, and the same error is returned either way.
type OperationFailedError struct {
	Reason string
	Cause  error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("txn: operation failed: %s", e.Reason)
}

func (e *OperationFailedError) Unwrap() error { return e.Cause }

// Coordinator is safe for concurrent use: the dedup map is guarded by a
// RWMutex and the underlying log serializes its own writes internally.
type Coordinator struct {
	log *txlog.Log

	mu   sync.RWMutex
	dedup map[string]string // content hash -> transaction id, Active only
}

// New wraps log with coordinator state. log is owned by the caller (app
// state), which is responsible for closing it.
func New(log *txlog.Log) *Coordinator {
	return &Coordinator{log: log, dedup: make(map[string]string)}
}

// Begin constructs and appends a new Active transaction for op, registering
// its content hash (if any) in the dedup map before the log write, matching
// spec.md's ordering ("If a hash is present, insert into the in-memory
// dedup map. Append to the log.").
func (c *Coordinator) Begin(op txlog.Operation) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	tx := txlog.Transaction{
		ID: id, Operation: op, State: txlog.StateActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if hash, ok := op.ContentHash(); ok {
		tx.ContentHash = &hash
		c.mu.Lock()
		c.dedup[hash] = id
		c.mu.Unlock()
	}
	if _, err := c.log.Append(tx); err != nil {
		if tx.ContentHash != nil {
			c.mu.Lock()
			delete(c.dedup, *tx.ContentHash)
			c.mu.Unlock()
		}
		return "", err
	}
	return id, nil
}

// Commit loads the transaction, clears its dedup entry (if any), and marks
// it Committed.
func (c *Coordinator) Commit(txID string) error {
	tx, err := c.log.Get(txID)
	if err != nil {
		return err
	}
	if tx.ContentHash != nil {
		c.mu.Lock()
		delete(c.dedup, *tx.ContentHash)
		c.mu.Unlock()
	}
	return c.log.SetState(txID, txlog.StateCommitted, nil)
}

// Abort clears the dedup entry (if any) and marks the transaction Aborted
// with reason.
func (c *Coordinator) Abort(txID string, reason string) error {
	tx, err := c.log.Get(txID)
	if err != nil {
		return err
	}
	if tx.ContentHash != nil {
		c.mu.Lock()
		delete(c.dedup, *tx.ContentHash)
		c.mu.Unlock()
	}
	return c.log.SetState(txID, txlog.StateAborted, &reason)
}

// IsContentPending is an O(1) dedup probe against the in-memory map.
func (c *Coordinator) IsContentPending(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.dedup[hash]
	return ok
}

// ExecuteWithTransaction is the canonical unified primitive: check dedup,
// begin, run the closure, commit on success or abort (with the closure's
// error as the reason) on failure.
func ExecuteWithTransaction[T any](c *Coordinator, op txlog.Operation, fn func() (T, error)) (T, error) {
	var zero T
	if hash, ok := op.ContentHash(); ok && c.IsContentPending(hash) {
		return zero, ErrDuplicateContent
	}

	txID, err := c.Begin(op)
	if err != nil {
		return zero, err
	}

	result, err := fn()
	if err != nil {
		reason := err.Error()
		if abortErr := c.Abort(txID, reason); abortErr != nil {
			// The abort itself failing is a log-level problem distinct from
			// the closure's own error; surface the closure's error as the
			// primary cause since that's what the caller needs to act on.
			return zero, &OperationFailedError{Reason: reason, Cause: err}
		}
		return zero, &OperationFailedError{Reason: reason, Cause: err}
	}

	if err := c.Commit(txID); err != nil {
		return zero, err
	}
	return result, nil
}

// RecoverPending is called once on startup. For each Active transaction in
// the log, it re-inserts the content hash (if any) into the dedup map and
// returns the id for application-level retry or discard.
func (c *Coordinator) RecoverPending() ([]string, error) {
	pending, err := c.log.ListPending()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pending))
	for _, tx := range pending {
		if tx.State != txlog.StateActive {
			// Should not occur: pending membership implies Active.
			continue
		}
		if tx.ContentHash != nil {
			c.mu.Lock()
			c.dedup[*tx.ContentHash] = tx.ID
			c.mu.Unlock()
		}
		ids = append(ids, tx.ID)
	}
	return ids, nil
}
