package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/dparodi/vocalia/internal/task"
)

// FrameKind tags one newline-delimited JSON message on the worker IPC stream.
type FrameKind string

const (
	FrameReady    FrameKind = "ready"
	FrameTask     FrameKind = "task"
	FrameResult   FrameKind = "result"
	FrameError    FrameKind = "error"
	FramePing     FrameKind = "ping"
	FramePong     FrameKind = "pong"
	FrameShutdown FrameKind = "shutdown"
)

// Frame is one IPC message. Task, result and error frames carry the
// originating task ID so replies can be correlated even if a buggy worker
// reorders them.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Type    task.Type       `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *task.Error     `json:"error,omitempty"`
}

// Max accepted frame size. Synthesis results carry whole utterances of
// base64 PCM, so this is generous.
const maxFrameBytes = 32 << 20

// FrameWriter serializes frames onto a stream, one JSON object per line.
// Safe for concurrent use; the dispatch loop and the health checker share it.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) Write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	b = append(b, '\n')
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader decodes frames from a stream. Blank lines are skipped; a
// malformed line is returned as an error so the caller can decide whether the
// peer is out of sync.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
	return &FrameReader{sc: sc}
}

func (fr *FrameReader) Read() (Frame, error) {
	for fr.sc.Scan() {
		line := fr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		if f.Kind == "" {
			return Frame{}, fmt.Errorf("frame missing kind")
		}
		return f, nil
	}
	if err := fr.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
