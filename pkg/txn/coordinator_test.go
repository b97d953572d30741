package txn

import (
	"errors"
	"testing"

	"github.com/cymbiont/cymbiont/pkg/txlog"
)

func mustCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	log, err := txlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("txlog.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return New(log)
}

func TestExecuteWithTransactionCommitsOnSuccess(t *testing.T) {
	c := mustCoordinator(t)
	op := txlog.Operation{Kind: txlog.OperationCreateNode, Content: "hello"}

	result, err := ExecuteWithTransaction(c, op, func() (string, error) {
		return "block-id-1", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "block-id-1" {
		t.Fatalf("unexpected result %q", result)
	}
	hash, _ := op.ContentHash()
	if c.IsContentPending(hash) {
		t.Fatalf("expected dedup entry cleared after commit")
	}
}

func TestExecuteWithTransactionAbortsOnFailure(t *testing.T) {
	c := mustCoordinator(t)
	op := txlog.Operation{Kind: txlog.OperationUpdateNode, NodeID: "n1", Content: "x"}

	_, err := ExecuteWithTransaction(c, op, func() (struct{}, error) {
		return struct{}{}, errors.New("disk full")
	})
	var opErr *OperationFailedError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationFailedError, got %T: %v", err, err)
	}
	if opErr.Reason != "disk full" {
		t.Fatalf("expected reason 'disk full', got %q", opErr.Reason)
	}
	hash, _ := op.ContentHash()
	if c.IsContentPending(hash) {
		t.Fatalf("expected dedup entry cleared after abort")
	}
}

func TestDuplicateContentRejected(t *testing.T) {
	c := mustCoordinator(t)
	op := txlog.Operation{Kind: txlog.OperationCreateNode, Content: "hello"}

	txID, err := c.Begin(op)
	if err != nil {
		t.Fatal(err)
	}

	_, err = ExecuteWithTransaction(c, op, func() (string, error) {
		return "should-not-run", nil
	})
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("expected ErrDuplicateContent, got %v", err)
	}

	// After the original commits, the same content succeeds.
	if err := c.Commit(txID); err != nil {
		t.Fatal(err)
	}
	result, err := ExecuteWithTransaction(c, op, func() (string, error) {
		return "now-it-runs", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "now-it-runs" {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestRecoverPendingReturnsActiveOnly(t *testing.T) {
	c := mustCoordinator(t)
	op1 := txlog.Operation{Kind: txlog.OperationCreateNode, Content: "a"}
	op2 := txlog.Operation{Kind: txlog.OperationCreateNode, Content: "b"}

	id1, err := c.Begin(op1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Begin(op2); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(id1); err != nil {
		t.Fatal(err)
	}

	ids, err := c.RecoverPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly 1 pending transaction, got %d", len(ids))
	}

	hash, _ := op2.ContentHash()
	if !c.IsContentPending(hash) {
		t.Fatalf("expected recovered transaction's content hash reinserted into dedup map")
	}
}
