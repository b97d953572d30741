package txlog

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func mustOpen(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTx(op Operation) Transaction {
	hash, ok := op.ContentHash()
	var hp *string
	if ok {
		hp = &hash
	}
	now := time.Now()
	return Transaction{
		ID: uuid.NewString(), Operation: op, State: StateActive,
		CreatedAt: now, UpdatedAt: now, ContentHash: hp,
	}
}

func TestAppendAndGet(t *testing.T) {
	l := mustOpen(t)
	tx := newTx(Operation{Kind: OperationCreateNode, NodeType: "block", Content: "hello"})
	id, err := l.Append(tx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateActive || got.Operation.Content != "hello" {
		t.Fatalf("unexpected transaction: %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	l := mustOpen(t)
	if _, err := l.Get("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStateCommitRemovesFromPending(t *testing.T) {
	l := mustOpen(t)
	tx := newTx(Operation{Kind: OperationCreateNode, Content: "x"})
	id, _ := l.Append(tx)

	pending, err := l.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	if err := l.SetState(id, StateCommitted, nil); err != nil {
		t.Fatal(err)
	}
	pending, err = l.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending after commit, got %d", len(pending))
	}
	got, _ := l.Get(id)
	if got.State != StateCommitted {
		t.Fatalf("expected committed state, got %v", got.State)
	}
}

func TestSetStateAbortPersistsReason(t *testing.T) {
	l := mustOpen(t)
	tx := newTx(Operation{Kind: OperationUpdateNode, NodeID: "n1", Content: "x"})
	id, _ := l.Append(tx)

	reason := "closure failed: disk full"
	if err := l.SetState(id, StateAborted, &reason); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(id)
	if got.State != StateAborted {
		t.Fatalf("expected aborted, got %v", got.State)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != reason {
		t.Fatalf("expected persisted reason %q, got %v", reason, got.ErrorMessage)
	}
}

func TestSetStateRejectsDoubleTransition(t *testing.T) {
	l := mustOpen(t)
	tx := newTx(Operation{Kind: OperationDeleteNode, NodeID: "n1"})
	id, _ := l.Append(tx)
	if err := l.SetState(id, StateCommitted, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.SetState(id, StateAborted, nil); err != ErrInvalidStateTransition {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestListPendingOnlyActive(t *testing.T) {
	l := mustOpen(t)
	tx1 := newTx(Operation{Kind: OperationCreateNode, Content: "a"})
	tx2 := newTx(Operation{Kind: OperationCreateNode, Content: "b"})
	id1, _ := l.Append(tx1)
	_, _ = l.Append(tx2)
	_ = l.SetState(id1, StateCommitted, nil)

	pending, err := l.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Operation.Content != "b" {
		t.Fatalf("expected only tx2 pending, got %+v", pending)
	}
}

func TestContentIndexLookup(t *testing.T) {
	l := mustOpen(t)
	tx := newTx(Operation{Kind: OperationCreateNode, Content: "dedupe-me"})
	id, _ := l.Append(tx)
	hash, _ := tx.Operation.ContentHash()

	gotID, found, err := l.LookupByContentHash(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !found || gotID != id {
		t.Fatalf("expected content index hit for %s, got found=%v id=%s", id, found, gotID)
	}
}

func TestCloseThenOperationsFail(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Get("anything"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
