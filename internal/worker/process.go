package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Process is one live worker as seen by its slot: a frame channel in, a
// send method out, and an exit signal. The pool never touches process
// internals, so tests substitute in-memory fakes.
type Process interface {
	// Send writes one frame to the worker. An error means the stream is gone.
	Send(f Frame) error
	// Frames yields decoded frames until the stream closes.
	Frames() <-chan Frame
	// Exited closes when the underlying process is gone.
	Exited() <-chan struct{}
	// Kill terminates the process: interrupt first, then force after a grace.
	Kill()
	// Stderr returns the tail of the worker's stderr for crash diagnostics.
	Stderr() string
}

// Launcher starts one worker process. The pool calls it at startup and after
// every crash, so it must be safe to invoke repeatedly.
type Launcher func() (Process, error)

const killGrace = 1200 * time.Millisecond

type execProcess struct {
	cmd    *exec.Cmd
	writer *FrameWriter
	stdin  io.WriteCloser
	frames chan Frame
	exited chan struct{}
	tail   *tailBuffer

	killOnce sync.Once
}

// CommandLauncher builds a Launcher that spawns `command` and speaks the
// frame protocol over its stdin/stdout. Stderr is kept in a bounded tail so
// crash reports stay readable even when the worker is chatty.
func CommandLauncher(command string, args ...string) Launcher {
	return func() (Process, error) {
		return startExecProcess(command, args...)
	}
}

// ParseCommand splits a configured worker command line into command + args.
func ParseCommand(line string) (string, []string, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty worker command")
	}
	return fields[0], fields[1:], nil
}

func startExecProcess(command string, args ...string) (*execProcess, error) {
	cmd := exec.Command(command, args...)
	tail := newTailBuffer(24 << 10)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", command, err)
	}

	p := &execProcess{
		cmd:    cmd,
		writer: NewFrameWriter(stdin),
		stdin:  stdin,
		frames: make(chan Frame, 16),
		exited: make(chan struct{}),
		tail:   tail,
	}

	go func() {
		defer close(p.frames)
		r := NewFrameReader(stdout)
		for {
			f, err := r.Read()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()

	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

func (p *execProcess) Send(f Frame) error {
	select {
	case <-p.exited:
		return fmt.Errorf("worker process exited")
	default:
	}
	return p.writer.Write(f)
}

func (p *execProcess) Frames() <-chan Frame { return p.frames }

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Kill() {
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process == nil {
			return
		}
		_ = p.cmd.Process.Signal(os.Interrupt)
		go func() {
			select {
			case <-p.exited:
			case <-time.After(killGrace):
				_ = p.cmd.Process.Kill()
			}
		}()
	})
}

func (p *execProcess) Stderr() string { return p.tail.String() }

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 8 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
