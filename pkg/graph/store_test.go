package graph

import (
	"errors"
	"testing"
	"time"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestUpsertBlockCreatesPageAndBlock(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	page := "P"

	h, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "alpha", Created: now, Updated: now, Page: &page})
	if err != nil {
		t.Fatalf("UpsertBlock: %v", err)
	}

	node, ok := s.GetByHandle(h)
	if !ok || node.Content != "alpha" {
		t.Fatalf("expected block alpha, got %+v ok=%v", node, ok)
	}

	_, pageHandle, ok := s.GetByPkmID("p")
	if !ok {
		t.Fatalf("expected normalized page 'p' to exist")
	}
	if !s.HasEdge(pageHandle, h, EdgeTypePageToBlock) {
		t.Fatalf("expected PageToBlock edge from page to block")
	}
}

func TestUpsertBlockIdempotentSameHandle(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	h1, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "alpha", Created: now, Updated: now})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "alpha-updated", Created: now, Updated: now})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected same handle on re-upsert, got %+v vs %+v", h1, h2)
	}
	node, _ := s.GetByHandle(h1)
	if node.Content != "alpha-updated" {
		t.Fatalf("expected content updated in place, got %q", node.Content)
	}
}

func TestBlockReferenceCreatesPlaceholder(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	h1, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "alpha", Created: now, Updated: now})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.UpsertBlock(BlockInput{
		ID: "b2", Content: "((b1))", Created: now, Updated: now,
		References: []Reference{{Kind: ReferenceKindBlock, ID: "b1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !s.HasEdge(h2, h1, EdgeTypeBlockRef) {
		t.Fatalf("expected BlockRef edge b2->b1")
	}

	// Reference to an unknown block mints a placeholder.
	h3, err := s.UpsertBlock(BlockInput{
		ID: "b3", Content: "see ((missing))", Created: now, Updated: now,
		References: []Reference{{Kind: ReferenceKindBlock, ID: "missing"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	placeholder, handle, ok := s.GetByPkmID("missing")
	if !ok {
		t.Fatalf("expected placeholder block for unknown reference")
	}
	if placeholder.Content != "" {
		t.Fatalf("expected placeholder with empty content, got %q", placeholder.Content)
	}
	if !s.HasEdge(h3, handle, EdgeTypeBlockRef) {
		t.Fatalf("expected BlockRef edge to placeholder")
	}
}

func TestNoDuplicateEdgesOnReUpsert(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	ref := Reference{Kind: ReferenceKindPage, Name: "Target"}
	h, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "x", Created: now, Updated: now, References: []Reference{ref}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "x", Created: now, Updated: now, References: []Reference{ref}}); err != nil {
		t.Fatal(err)
	}
	_, target, _ := s.GetByPkmID("target")
	count := 0
	for _, idx := range s.outAdj[h] {
		if s.edges[idx].Target == target && s.edges[idx].EdgeType == EdgeTypePageRef {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one PageRef edge after re-upsert, got %d", count)
	}
}

func TestUnknownReferenceKindFails(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	_, err := s.UpsertBlock(BlockInput{
		ID: "b1", Content: "x", Created: now, Updated: now,
		References: []Reference{{Kind: "bogus"}},
	})
	var unkErr *UnknownReferenceKindError
	if err == nil {
		t.Fatalf("expected error for unknown reference kind")
	}
	if !errors.As(err, &unkErr) {
		t.Fatalf("expected *UnknownReferenceKindError, got %T: %v", err, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	page := "P"
	h, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "alpha", Created: now, Updated: now, Page: &page})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	node, ok := reloaded.GetByHandle(h)
	if !ok || node.Content != "alpha" {
		t.Fatalf("expected reloaded block alpha at same handle, got %+v ok=%v", node, ok)
	}
	_, pageHandle, ok := reloaded.GetByPkmID("p")
	if !ok {
		t.Fatalf("expected reloaded page")
	}
	if !reloaded.HasEdge(pageHandle, h, EdgeTypePageToBlock) {
		t.Fatalf("expected PageToBlock edge to survive round trip")
	}
}

func TestArchiveRemovesNodeAndWritesFile(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	h, err := s.UpsertBlock(BlockInput{ID: "b1", Content: "alpha", Created: now, Updated: now})
	if err != nil {
		t.Fatal(err)
	}
	name, err := s.Archive([]ArchiveTarget{{PkmID: "b1", Handle: h}})
	if err != nil {
		t.Fatal(err)
	}
	if name == "" {
		t.Fatalf("expected non-empty archive filename")
	}
	if _, _, ok := s.GetByPkmID("b1"); ok {
		t.Fatalf("expected b1 removed from index after archive")
	}
	if _, ok := s.GetByHandle(h); ok {
		t.Fatalf("expected handle invalid after archive")
	}
}

func TestAutosaveOnOperationThreshold(t *testing.T) {
	s := mustOpen(t)
	now := time.Now()
	for i := 0; i < SaveOperationThreshold; i++ {
		id := string(rune('a' + i))
		if _, err := s.UpsertBlock(BlockInput{ID: id, Content: "x", Created: now, Updated: now}); err != nil {
			t.Fatal(err)
		}
	}
	if s.operationsSinceSave != 0 {
		t.Fatalf("expected autosave to reset counter at threshold, got %d", s.operationsSinceSave)
	}
}
