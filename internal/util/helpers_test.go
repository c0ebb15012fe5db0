package util

import "testing"

func TestChunk(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e"}
	chunks := Chunk(in, 2)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != "e" {
		t.Errorf("Expected last chunk [e], got %v", chunks[2])
	}

	if got := Chunk(in, 0); len(got) != 1 || len(got[0]) != 5 {
		t.Errorf("Expected a single chunk for size 0, got %v", got)
	}
	if got := Chunk([]string{}, 3); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{"b", "a", "", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}
}

func TestTagHelpers(t *testing.T) {
	tags := [][]string{{"e", "root"}, {"p", "alice"}, {"e", "parent"}, {"p", "bob"}, {"t"}}

	if got := GetTagValue(tags, "e"); got != "root" {
		t.Errorf("GetTagValue: expected root, got %s", got)
	}
	if got := GetLastTagValue(tags, "e"); got != "parent" {
		t.Errorf("GetLastTagValue: expected parent, got %s", got)
	}
	if got := GetTagValues(tags, "p"); len(got) != 2 {
		t.Errorf("GetTagValues: expected 2 values, got %v", got)
	}
	if !HasTag(tags, "t") {
		t.Error("HasTag: expected t tag to be present")
	}
	if HasTag(tags, "x") {
		t.Error("HasTag: did not expect x tag")
	}
}
