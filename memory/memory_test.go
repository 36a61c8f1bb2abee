package memory

import (
	"testing"
	"time"
)

func TestAppendAndRecentOrdering(t *testing.T) {
	s := New(10)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Append("sess-1", RoleUser, "hello", base)
	s.Append("sess-1", RoleAssistant, "hi there", base.Add(time.Second))
	s.Append("sess-1", RoleUser, "what's my card fee?", base.Add(2*time.Second))

	turns := s.Recent("sess-1", 10)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Timestamp.Before(turns[i-1].Timestamp) {
			t.Fatalf("turns out of order at index %d (P5)", i)
		}
	}
	if turns[0].Content != "hello" || turns[2].Content != "what's my card fee?" {
		t.Fatalf("unexpected turn contents: %+v", turns)
	}
}

func TestRecentRespectsDepth(t *testing.T) {
	s := New(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Append("sess-1", RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}
	turns := s.Recent("sess-1", 0) // 0 => use configured depth
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns (default depth), got %d", len(turns))
	}
	if turns[0].Content != "d" || turns[1].Content != "e" {
		t.Fatalf("expected the last 2 turns, got %+v", turns)
	}
}

func TestRecentOnUnknownSessionIsEmpty(t *testing.T) {
	s := New(10)
	turns := s.Recent("never-seen", 10)
	if len(turns) != 0 {
		t.Fatalf("expected empty slice, got %d turns", len(turns))
	}
}

func TestClearRemovesSession(t *testing.T) {
	s := New(10)
	s.Append("sess-1", RoleUser, "hi", time.Now())
	s.Clear("sess-1")
	if turns := s.Recent("sess-1", 10); len(turns) != 0 {
		t.Fatalf("expected empty after clear, got %d turns", len(turns))
	}
}
