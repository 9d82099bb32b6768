package task

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	got, err := ParseType("transcribe")
	if err != nil {
		t.Fatalf("ParseType() error = %v", err)
	}
	if got != TypeTranscribe {
		t.Fatalf("ParseType() = %q, want %q", got, TypeTranscribe)
	}

	if _, err := ParseType("summon"); err == nil {
		t.Fatalf("ParseType() accepted unknown type")
	}
}

func TestNewMarshalsPayload(t *testing.T) {
	tk, err := New(TypeGenerateReply, GenerateReplyPayload{Text: "hi"}, PriorityInteractive)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tk.ID == "" {
		t.Fatalf("task ID should not be empty")
	}
	if tk.Priority != PriorityInteractive {
		t.Fatalf("Priority = %d, want %d", tk.Priority, PriorityInteractive)
	}

	var p GenerateReplyPayload
	if err := (Result{ID: tk.ID, Payload: tk.Payload}).Decode(&p); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Text != "hi" {
		t.Fatalf("payload text = %q, want %q", p.Text, "hi")
	}
}

func TestKindOf(t *testing.T) {
	err := NewError(KindWorkerCrashed, "slot w-1 exited")
	wrapped := errors.Join(errors.New("submit"), err)
	if got := KindOf(wrapped); got != KindWorkerCrashed {
		t.Fatalf("KindOf() = %q, want %q", got, KindWorkerCrashed)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
}
