package memory

import (
	"context"
	"testing"
)

func TestInMemoryStoreRecentContext(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if err := s.SaveTurn(ctx, TurnRecord{UserID: "u1", SessionID: "s1", Role: "user", Content: content}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentContext(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("context = [%s %s], want chronological tail", got[0].Content, got[1].Content)
	}

	if got, _ := s.RecentContext(ctx, "missing", 5); got != nil {
		t.Fatalf("RecentContext(unknown user) = %v, want nil", got)
	}
}

func TestInMemoryStoreVoices(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.SaveVoice(ctx, VoiceRecord{UserID: "u1", Name: "warm"}); err != nil {
		t.Fatalf("SaveVoice() error = %v", err)
	}
	voices, err := s.Voices(ctx, "u1")
	if err != nil {
		t.Fatalf("Voices() error = %v", err)
	}
	if len(voices) != 1 || voices[0].Name != "warm" || voices[0].ID == "" {
		t.Fatalf("Voices() = %+v", voices)
	}
}
