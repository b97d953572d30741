package graph

import "testing"

func TestResolveReferencesSimple(t *testing.T) {
	blockMap := map[string]string{"b1": "hello world"}
	got := ResolveReferences("see ((b1))", blockMap, map[string]struct{}{}, nil)
	want := "see hello world"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveReferencesMultiple(t *testing.T) {
	blockMap := map[string]string{"b1": "alpha", "b2": "beta"}
	got := ResolveReferences("((b1)) and ((b2))", blockMap, map[string]struct{}{}, nil)
	want := "alpha and beta"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveReferencesNested(t *testing.T) {
	blockMap := map[string]string{
		"b1": "((b2))",
		"b2": "((b3))",
		"b3": "leaf",
	}
	got := ResolveReferences("((b1))", blockMap, map[string]struct{}{}, nil)
	if got != "leaf" {
		t.Fatalf("got %q, want %q", got, "leaf")
	}
}

func TestResolveReferencesCycle(t *testing.T) {
	blockMap := map[string]string{
		"b1": "((b2))",
		"b2": "((b1))",
	}
	got := ResolveReferences("((b1))", blockMap, map[string]struct{}{}, nil)
	// b1 -> b2 -> (b1 already visited, left literal)
	if got != "((b1))" {
		t.Fatalf("got %q, want literal token preserved", got)
	}
}

func TestResolveReferencesSelfReference(t *testing.T) {
	blockMap := map[string]string{"b1": "see ((b1)) again"}
	id := "b1"
	got := ResolveReferences(blockMap["b1"], blockMap, map[string]struct{}{}, &id)
	if got != "see ((b1)) again" {
		t.Fatalf("got %q, want literal self-reference preserved", got)
	}
}

func TestResolveReferencesMissingTarget(t *testing.T) {
	blockMap := map[string]string{}
	got := ResolveReferences("see ((missing))", blockMap, map[string]struct{}{}, nil)
	if got != "see ((missing))" {
		t.Fatalf("got %q, want literal token preserved", got)
	}
}

func TestResolveReferencesIdempotentOnPlainText(t *testing.T) {
	blockMap := map[string]string{}
	content := "plain text with [[page ref]] and #tag, no block refs"
	got := ResolveReferences(content, blockMap, map[string]struct{}{}, nil)
	if got != content {
		t.Fatalf("content should be unchanged: got %q", got)
	}
}
