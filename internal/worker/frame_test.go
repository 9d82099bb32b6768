package worker

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/dparodi/vocalia/internal/task"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	if err := w.Write(Frame{Kind: FrameTask, ID: "t-1", Type: task.TypeSynthesize, Payload: []byte(`{"text":"hi"}`)}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Write(Frame{Kind: FrameError, ID: "t-2", Error: task.NewError(task.KindWorkerFailed, "oom")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := NewFrameReader(&buf)
	f, err := r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if f.Kind != FrameTask || f.ID != "t-1" || f.Type != task.TypeSynthesize {
		t.Fatalf("first frame = %+v", f)
	}

	f, err = r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if f.Kind != FrameError || f.Error == nil || f.Error.Kind != task.KindWorkerFailed {
		t.Fatalf("second frame = %+v", f)
	}

	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("Read() at end = %v, want io.EOF", err)
	}
}

func TestFrameReaderRejectsMalformed(t *testing.T) {
	r := NewFrameReader(strings.NewReader("not json\n"))
	if _, err := r.Read(); err == nil {
		t.Fatalf("Read() accepted a malformed line")
	}

	r = NewFrameReader(strings.NewReader(`{"id":"x"}` + "\n"))
	if _, err := r.Read(); err == nil {
		t.Fatalf("Read() accepted a frame without a kind")
	}
}

func TestFrameReaderSkipsBlankLines(t *testing.T) {
	r := NewFrameReader(strings.NewReader("\n\n" + `{"kind":"pong"}` + "\n"))
	f, err := r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if f.Kind != FramePong {
		t.Fatalf("Kind = %q, want %q", f.Kind, FramePong)
	}
}
