package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dparodi/vocalia/internal/memory"
	"github.com/dparodi/vocalia/internal/observability"
	"github.com/dparodi/vocalia/internal/protocol"
	"github.com/dparodi/vocalia/internal/session"
	"github.com/dparodi/vocalia/internal/task"
)

// fakeRouter answers pool submissions with canned results. Setting hold makes
// generate_reply block until the channel closes or the turn is cancelled.
type fakeRouter struct {
	mu         sync.Mutex
	calls      []task.Type
	hold       chan struct{}
	transcript string
	reply      string
	pcmBytes   int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{transcript: "hello there", reply: "hi, good to hear you", pcmBytes: 100}
}

func (r *fakeRouter) holdGenerate() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = make(chan struct{})
	return r.hold
}

func (r *fakeRouter) callsOf(typ task.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == typ {
			n++
		}
	}
	return n
}

func (r *fakeRouter) Route(ctx context.Context, t task.Task) (task.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, t.Type)
	hold := r.hold
	r.mu.Unlock()

	result := func(payload any) (task.Result, error) {
		b, err := json.Marshal(payload)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{ID: t.ID, Payload: b}, nil
	}

	switch t.Type {
	case task.TypeTranscribe:
		return result(task.TranscribeResult{Text: r.transcript, Confidence: 0.92})
	case task.TypeGenerateReply:
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return task.Result{}, ctx.Err()
			}
		}
		return result(task.GenerateReplyResult{Text: r.reply})
	case task.TypeSynthesize:
		pcm := make([]byte, r.pcmBytes)
		return result(task.SynthesizeResult{
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  16000,
			Format:      "pcm16",
		})
	case task.TypeDetectVAD:
		return result(task.DetectVADResult{SpeechEnded: true})
	default:
		return task.Result{}, task.NewError(task.KindUnknownTaskType, string(t.Type))
	}
}

type testConn struct {
	g        *Gateway
	sessions *session.Manager
	sess     *session.Session
	store    *memory.InMemoryStore
	turns    *observability.TurnWindow
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func startConn(t *testing.T, router Router, speak bool, mut func(*Config)) *testConn {
	t.Helper()
	cfg := Config{
		VADSilenceThreshold: 0.01,
		VADMinSpeech:        50 * time.Millisecond,
		VADMaxSilence:       100 * time.Millisecond,
		TTSChunkBytes:       40,
		PartialChunkBytes:   -1,
	}
	if mut != nil {
		mut(&cfg)
	}

	sessions := session.NewManager(time.Minute)
	sess := sessions.Create("u1", "v-warm", speak, 16000)
	store := memory.NewInMemoryStore()
	turns := observability.NewTurnWindow(16)
	metrics := observability.NewMetrics(fmt.Sprintf("gateway_test_%d", time.Now().UnixNano()))
	g := New(cfg, sessions, router, store, metrics, turns)

	ctx, cancel := context.WithCancel(context.Background())
	tc := &testConn{
		g:        g,
		sessions: sessions,
		sess:     sess,
		store:    store,
		turns:    turns,
		inbound:  make(chan any, 64),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() {
		tc.done <- g.RunConnection(ctx, sess, tc.inbound, tc.outbound)
	}()
	t.Cleanup(cancel)
	return tc
}

func (tc *testConn) next(t *testing.T) any {
	t.Helper()
	select {
	case v := <-tc.outbound:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound frame")
		return nil
	}
}

// waitSession polls until the session reaches the expected shape; the inbound
// channel is buffered, so control frames apply asynchronously.
func (tc *testConn) waitSession(t *testing.T, ok func(*session.Session) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := tc.sessions.Get(tc.sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if ok(got) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached expected shape, last = %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (tc *testConn) sendAudio(pcm []byte) {
	tc.inbound <- protocol.AudioChunk{
		Type:        protocol.TypeAudioChunk,
		PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  16000,
	}
}

func tone(ms int, amplitude float64) []byte {
	const rate = 16000
	n := rate * ms / 1000
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := amplitude * 32000 * math.Sin(2*math.Pi*220*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

func silence(ms int) []byte {
	return make([]byte, 2*16000*ms/1000)
}

func TestRunConnectionAudioTurn(t *testing.T) {
	router := newFakeRouter()
	tc := startConn(t, router, true, nil)

	ready, ok := tc.next(t).(protocol.Ready)
	if !ok || ready.SessionID != tc.sess.ID {
		t.Fatalf("first frame = %#v, want ready", ready)
	}

	tc.sendAudio(tone(100, 0.5))
	tc.sendAudio(silence(150))

	final, ok := tc.next(t).(protocol.STTFinal)
	if !ok || final.Text != "hello there" {
		t.Fatalf("frame = %#v, want stt_final", final)
	}
	if _, ok := tc.next(t).(protocol.AgentThinking); !ok {
		t.Fatalf("expected agent_thinking after stt_final")
	}
	reply, ok := tc.next(t).(protocol.AgentReply)
	if !ok || reply.Text != router.reply {
		t.Fatalf("frame = %#v, want agent_reply", reply)
	}

	// 100 audio bytes with 40-byte chunks: seq 0..2, then completion.
	for seq := 0; seq < 3; seq++ {
		chunk, ok := tc.next(t).(protocol.TTSChunk)
		if !ok || chunk.Seq != seq || chunk.TurnID != final.TurnID {
			t.Fatalf("frame = %#v, want tts_chunk seq %d", chunk, seq)
		}
	}
	complete, ok := tc.next(t).(protocol.TTSComplete)
	if !ok || complete.Chunks != 3 {
		t.Fatalf("frame = %#v, want tts_complete with 3 chunks", complete)
	}
	tm, ok := tc.next(t).(protocol.TurnMetrics)
	if !ok || tm.TurnID != final.TurnID {
		t.Fatalf("frame = %#v, want turn_metrics", tm)
	}
	if tm.StageMS[observability.StageTranscribe] < 0 || tm.EndToEndMS < 0 {
		t.Fatalf("turn metrics not populated: %+v", tm)
	}

	// Both sides of the exchange were persisted.
	recs, err := tc.store.RecentContext(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(recs) != 2 || recs[0].Role != "user" || recs[1].Role != "assistant" {
		t.Fatalf("persisted turns = %+v", recs)
	}

	if tc.turns.Snapshot().Turns != 1 {
		t.Fatalf("turn window turns = %d, want 1", tc.turns.Snapshot().Turns)
	}
}

func TestRunConnectionTextTurnSkipsTranscribe(t *testing.T) {
	router := newFakeRouter()
	tc := startConn(t, router, false, nil)
	tc.next(t) // ready

	tc.inbound <- protocol.TextInput{Type: protocol.TypeTextInput, Text: "what time is it"}

	final, ok := tc.next(t).(protocol.STTFinal)
	if !ok || final.Text != "what time is it" {
		t.Fatalf("frame = %#v, want echoed stt_final", final)
	}
	if _, ok := tc.next(t).(protocol.AgentThinking); !ok {
		t.Fatalf("expected agent_thinking")
	}
	if _, ok := tc.next(t).(protocol.AgentReply); !ok {
		t.Fatalf("expected agent_reply")
	}
	// Speak is off: metrics come right after the reply, no audio frames.
	if _, ok := tc.next(t).(protocol.TurnMetrics); !ok {
		t.Fatalf("expected turn_metrics")
	}

	if n := router.callsOf(task.TypeTranscribe); n != 0 {
		t.Fatalf("transcribe calls = %d, want 0", n)
	}
	if n := router.callsOf(task.TypeSynthesize); n != 0 {
		t.Fatalf("synthesize calls = %d, want 0 when speak is off", n)
	}
}

func TestRunConnectionPauseDiscardsPendingReply(t *testing.T) {
	router := newFakeRouter()
	hold := router.holdGenerate()
	tc := startConn(t, router, false, nil)
	tc.next(t) // ready

	tc.inbound <- protocol.TextInput{Type: protocol.TypeTextInput, Text: "tell me a story"}
	tc.next(t) // stt_final
	tc.next(t) // agent_thinking; generate is now blocked on hold

	tc.inbound <- protocol.Control{Type: protocol.TypePause}
	tc.waitSession(t, func(s *session.Session) bool { return s.State == session.StatePaused })
	close(hold)

	// The discarded turn must not leak its reply after the pause.
	select {
	case v := <-tc.outbound:
		if _, ok := v.(protocol.AgentReply); ok {
			t.Fatalf("agent_reply leaked after pause")
		}
	case <-time.After(200 * time.Millisecond):
	}

	got, err := tc.sessions.Get(tc.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != session.StatePaused {
		t.Fatalf("state = %q, want %q", got.State, session.StatePaused)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}

	// Resume and run a clean turn.
	router.mu.Lock()
	router.hold = nil
	router.mu.Unlock()
	tc.inbound <- protocol.Control{Type: protocol.TypeResume}
	tc.inbound <- protocol.TextInput{Type: protocol.TypeTextInput, Text: "still there?"}
	if final, ok := tc.next(t).(protocol.STTFinal); !ok || final.Text != "still there?" {
		t.Fatalf("frame = %#v, want stt_final after resume", final)
	}
}

func TestRunConnectionResumeWithoutPause(t *testing.T) {
	tc := startConn(t, newFakeRouter(), false, nil)
	tc.next(t) // ready

	tc.inbound <- protocol.Control{Type: protocol.TypeResume}
	errFrame, ok := tc.next(t).(protocol.ErrorEvent)
	if !ok || errFrame.Kind != "invalid_state" {
		t.Fatalf("frame = %#v, want invalid_state error", errFrame)
	}
}

func TestRunConnectionEnd(t *testing.T) {
	tc := startConn(t, newFakeRouter(), false, nil)
	tc.next(t) // ready

	tc.inbound <- protocol.Control{Type: protocol.TypeEnd}
	ended, ok := tc.next(t).(protocol.Ended)
	if !ok || ended.Reason != "client_request" {
		t.Fatalf("frame = %#v, want ended", ended)
	}

	select {
	case err := <-tc.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RunConnection() did not return after end")
	}

	got, err := tc.sessions.Get(tc.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != session.StateEnded {
		t.Fatalf("state = %q, want %q", got.State, session.StateEnded)
	}
}

func TestRunConnectionWorkerVAD(t *testing.T) {
	router := newFakeRouter()
	tc := startConn(t, router, false, func(cfg *Config) {
		cfg.VADMode = "worker"
	})
	tc.next(t) // ready

	tc.sendAudio(tone(100, 0.5))
	tc.sendAudio(silence(150))

	if final, ok := tc.next(t).(protocol.STTFinal); !ok {
		t.Fatalf("frame = %#v, want stt_final via worker vad", final)
	}
	if n := router.callsOf(task.TypeDetectVAD); n == 0 {
		t.Fatalf("detect_vad pool was never consulted")
	}
}

func TestRunConnectionBargeIn(t *testing.T) {
	router := newFakeRouter()
	hold := router.holdGenerate()
	tc := startConn(t, router, true, nil)
	tc.next(t) // ready

	tc.sendAudio(tone(100, 0.5))
	tc.sendAudio(silence(150))
	tc.next(t) // stt_final
	tc.next(t) // agent_thinking; generate blocked

	// User talks over the assistant.
	tc.sendAudio(tone(100, 0.5))
	tc.waitSession(t, func(s *session.Session) bool { return s.InterruptionCount == 1 })
	close(hold)

	select {
	case v := <-tc.outbound:
		if _, ok := v.(protocol.AgentReply); ok {
			t.Fatalf("agent_reply leaked after barge-in")
		}
	case <-time.After(200 * time.Millisecond):
	}

	got, err := tc.sessions.Get(tc.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}
}

func TestRunConnectionEmitsPartials(t *testing.T) {
	router := newFakeRouter()
	tc := startConn(t, router, false, func(cfg *Config) {
		cfg.PartialChunkBytes = 2000
	})
	tc.next(t) // ready

	// Enough speech to cross the partial threshold but no boundary yet.
	tc.sendAudio(tone(100, 0.5))

	partial, ok := tc.next(t).(protocol.STTPartial)
	if !ok || partial.Text != router.transcript {
		t.Fatalf("frame = %#v, want stt_partial", partial)
	}

	tc.sendAudio(silence(150))
	if final, ok := tc.next(t).(protocol.STTFinal); !ok || final.TurnID != partial.TurnID {
		t.Fatalf("frame = %#v, want stt_final carrying turn %q", final, partial.TurnID)
	}
}
