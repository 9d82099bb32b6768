package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dparodi/vocalia/internal/audio"
	"github.com/dparodi/vocalia/internal/memory"
	"github.com/dparodi/vocalia/internal/observability"
	"github.com/dparodi/vocalia/internal/protocol"
	"github.com/dparodi/vocalia/internal/session"
	"github.com/dparodi/vocalia/internal/task"
)

// Router dispatches one task to its worker pool and waits for the outcome.
// *worker.Registry satisfies this.
type Router interface {
	Route(ctx context.Context, t task.Task) (task.Result, error)
}

// Config tunes per-connection pipeline behavior.
type Config struct {
	// VADMode is "local" for in-process energy endpointing or "worker" to
	// confirm boundaries through the detect_vad pool.
	VADMode             string
	VADSilenceThreshold float64
	VADMinSpeech        time.Duration
	VADMaxSilence       time.Duration

	// ContextWindowTurns bounds the conversation history handed to the
	// reply generator.
	ContextWindowTurns int
	// TTSChunkBytes is the raw PCM chunk size for outbound tts_chunk frames.
	TTSChunkBytes int
	// PartialChunkBytes is how much fresh speech audio accrues before an
	// interim transcription is kicked off for stt_partial. Negative disables
	// partials.
	PartialChunkBytes int
}

const (
	defaultContextWindow     = 10
	defaultTTSChunkBytes     = 32 << 10
	defaultPartialChunkBytes = 48 << 10
	maxUtteranceBytes        = 2 << 20
)

func (c *Config) applyDefaults() {
	if c.VADMode == "" {
		c.VADMode = "local"
	}
	if c.ContextWindowTurns <= 0 {
		c.ContextWindowTurns = defaultContextWindow
	}
	if c.TTSChunkBytes <= 0 {
		c.TTSChunkBytes = defaultTTSChunkBytes
	}
	if c.PartialChunkBytes == 0 {
		c.PartialChunkBytes = defaultPartialChunkBytes
	} else if c.PartialChunkBytes < 0 {
		c.PartialChunkBytes = 0
	}
}

// Gateway drives realtime voice sessions: it owns the turn pipeline that
// takes buffered speech through transcribe, generate and synthesize workers
// and streams the results back over the connection.
type Gateway struct {
	cfg      Config
	sessions *session.Manager
	router   Router
	store    memory.Store
	metrics  *observability.Metrics
	turns    *observability.TurnWindow
}

func New(cfg Config, sessions *session.Manager, router Router, store memory.Store, metrics *observability.Metrics, turns *observability.TurnWindow) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		router:   router,
		store:    store,
		metrics:  metrics,
		turns:    turns,
	}
}

type turnState struct {
	id     string
	cancel context.CancelFunc
}

type turnEvent struct {
	turnID  string
	outcome string
}

type partialResult struct {
	turnID string
	text   string
}

type vadVerdict struct {
	speechEnded bool
}

type conn struct {
	g    *Gateway
	ctx  context.Context
	sess *session.Session
	out  chan<- any

	buf         []byte
	sampleRate  int
	ep          *audio.Endpointer
	nextTurnID  string
	partialMark int
	partialBusy bool
	vadBusy     bool
	paused      bool
	closed      bool

	turn       *turnState
	turnEvents chan turnEvent
	partials   chan partialResult
	vadChecks  chan vadVerdict
}

// RunConnection processes one websocket worth of parsed frames until the
// context ends, the inbound channel closes, or the client sends end.
func (g *Gateway) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	c := &conn{
		g:          g,
		ctx:        ctx,
		sess:       sess,
		out:        outbound,
		sampleRate: sess.SampleRate,
		ep:         audio.NewEndpointer(g.cfg.VADSilenceThreshold, g.cfg.VADMinSpeech, g.cfg.VADMaxSilence),
		turnEvents: make(chan turnEvent, 16),
		partials:   make(chan partialResult, 4),
		vadChecks:  make(chan vadVerdict, 4),
	}

	c.send(protocol.Ready{Type: protocol.TypeReady, SessionID: sess.ID, SampleRate: sess.SampleRate})
	// A reattached session may already be past initializing.
	if err := g.sessions.SetState(sess.ID, session.StateListening); err != nil {
		cur, gerr := g.sessions.Get(sess.ID)
		if gerr != nil || cur.Ended() {
			return fmt.Errorf("session %s unavailable: %w", sess.ID, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.cancelTurn("connection_closed")
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				c.cancelTurn("connection_closed")
				return nil
			}
			c.handle(msg)
			if c.closed {
				return nil
			}

		case ev := <-c.turnEvents:
			c.finishTurn(ev)

		case p := <-c.partials:
			c.partialBusy = false
			if p.text != "" && c.turn == nil && c.nextTurnID == p.turnID {
				c.send(protocol.STTPartial{Type: protocol.TypeSTTPartial, TurnID: p.turnID, Text: p.text})
			}

		case v := <-c.vadChecks:
			c.vadBusy = false
			if v.speechEnded && c.turn == nil && !c.paused && len(c.buf) > 0 {
				c.startAudioTurn()
			}
		}
	}
}

func (c *conn) handle(msg any) {
	_ = c.g.sessions.Touch(c.sess.ID)
	switch m := msg.(type) {
	case protocol.AudioChunk:
		c.handleAudio(m)
	case protocol.TextInput:
		c.handleText(m)
	case protocol.Control:
		switch m.Type {
		case protocol.TypePause:
			c.handlePause()
		case protocol.TypeResume:
			c.handleResume()
		case protocol.TypeEnd:
			c.endSession("client_request")
		}
	case protocol.QualityFeedback:
		c.g.turns.ObserveIndicator(fmt.Sprintf("feedback_score_%d", m.Score))
	}
}

func (c *conn) handleAudio(m protocol.AudioChunk) {
	if c.paused {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		c.sendError("", "invalid_audio", "audio_chunk payload is not valid base64")
		return
	}
	c.sampleRate = m.SampleRate

	if c.turn != nil {
		// Assistant is mid-turn. Loud audio is a barge-in: discard the
		// running turn and start collecting the new utterance.
		if audio.RMS(pcm) >= c.ep.SilenceThreshold {
			c.bargeIn()
		} else {
			return
		}
	}

	if len(c.buf)+len(pcm) > maxUtteranceBytes {
		c.startAudioTurn()
		return
	}
	c.buf = append(c.buf, pcm...)

	boundary := c.ep.Feed(pcm, m.SampleRate)
	if c.nextTurnID == "" && c.ep.SpeechHeard() {
		c.nextTurnID = uuid.NewString()
	}

	if boundary {
		if c.g.cfg.VADMode == "worker" {
			c.kickVADCheck()
		} else {
			c.startAudioTurn()
		}
		return
	}

	if c.g.cfg.PartialChunkBytes > 0 && !c.partialBusy && c.ep.SpeechHeard() &&
		len(c.buf)-c.partialMark >= c.g.cfg.PartialChunkBytes {
		c.kickPartial()
	}
}

func (c *conn) handleText(m protocol.TextInput) {
	if c.paused {
		c.sendError("", "invalid_state", "session is paused")
		return
	}
	if c.turn != nil {
		c.bargeIn()
	}
	c.resetUtterance()
	c.startTurn("", m.Text)
}

func (c *conn) handlePause() {
	if c.paused {
		return
	}
	c.cancelTurn("paused_mid_turn")
	c.paused = true
	c.resetUtterance()
	if err := c.g.sessions.SetState(c.sess.ID, session.StatePaused); err != nil {
		log.Printf("gateway: session %s pause: %v", c.sess.ID, err)
	}
	c.g.metrics.SessionEvents.WithLabelValues("paused").Inc()
}

func (c *conn) handleResume() {
	if !c.paused {
		c.sendError("", "invalid_state", "session is not paused")
		return
	}
	c.paused = false
	c.resetUtterance()
	if err := c.g.sessions.SetState(c.sess.ID, session.StateListening); err != nil {
		log.Printf("gateway: session %s resume: %v", c.sess.ID, err)
	}
	c.g.metrics.SessionEvents.WithLabelValues("resumed").Inc()
}

func (c *conn) endSession(reason string) {
	c.cancelTurn("session_ended")
	if _, err := c.g.sessions.End(c.sess.ID); err != nil {
		log.Printf("gateway: session %s end: %v", c.sess.ID, err)
	}
	c.g.metrics.ActiveSessions.Set(float64(c.g.sessions.ActiveCount()))
	c.g.metrics.SessionEvents.WithLabelValues("ended").Inc()
	c.send(protocol.Ended{Type: protocol.TypeEnded, SessionID: c.sess.ID, Reason: reason})
	c.closed = true
}

// bargeIn discards the in-flight turn because the user started talking over
// the assistant. The worker finishes on its own; its result is dropped.
func (c *conn) bargeIn() {
	c.cancelTurn("barge_in")
	c.resetUtterance()
	if err := c.g.sessions.SetState(c.sess.ID, session.StateListening); err != nil {
		log.Printf("gateway: session %s barge-in: %v", c.sess.ID, err)
	}
}

func (c *conn) cancelTurn(indicator string) {
	if c.turn == nil {
		return
	}
	c.turn.cancel()
	c.turn = nil
	_ = c.g.sessions.Interrupt(c.sess.ID)
	c.g.turns.ObserveIndicator(indicator)
	c.g.metrics.SessionEvents.WithLabelValues("turn_discarded").Inc()
}

func (c *conn) finishTurn(ev turnEvent) {
	if c.turn == nil || c.turn.id != ev.turnID {
		return
	}
	c.turn = nil
	if c.paused || c.closed {
		return
	}
	if err := c.g.sessions.SetState(c.sess.ID, session.StateListening); err != nil {
		log.Printf("gateway: session %s back to listening: %v", c.sess.ID, err)
	}
}

func (c *conn) resetUtterance() {
	c.buf = nil
	c.partialMark = 0
	c.nextTurnID = ""
	c.ep.Reset()
}

func (c *conn) startAudioTurn() {
	pcm := c.buf
	turnID := c.nextTurnID
	c.resetUtterance()
	if len(pcm) == 0 {
		return
	}
	if turnID == "" {
		turnID = uuid.NewString()
	}
	c.startTurnWith(turnID, pcm, "")
}

func (c *conn) startTurn(turnID, text string) {
	if turnID == "" {
		turnID = uuid.NewString()
	}
	c.startTurnWith(turnID, nil, text)
}

func (c *conn) startTurnWith(turnID string, pcm []byte, text string) {
	tctx, cancel := context.WithCancel(c.ctx)
	c.turn = &turnState{id: turnID, cancel: cancel}
	_ = c.g.sessions.StartTurn(c.sess.ID, turnID)

	first := session.StateTranscribing
	if text != "" {
		first = session.StateGenerating
	}
	if err := c.g.sessions.SetState(c.sess.ID, first); err != nil {
		log.Printf("gateway: session %s start turn: %v", c.sess.ID, err)
	}
	c.g.metrics.SessionEvents.WithLabelValues("turn_started").Inc()

	go c.g.runTurn(tctx, c.sess, turnID, pcm, text, c.sampleRate, time.Now(), c.out, c.turnEvents)
}

// kickPartial transcribes the utterance so far at batch priority and forwards
// the text as stt_partial.
func (c *conn) kickPartial() {
	c.partialBusy = true
	c.partialMark = len(c.buf)
	pcm := make([]byte, len(c.buf))
	copy(pcm, c.buf)
	turnID := c.nextTurnID
	sampleRate := c.sampleRate

	go func() {
		text := ""
		tk, err := task.New(task.TypeTranscribe, task.TranscribePayload{
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  sampleRate,
		}, task.PriorityBatch)
		if err == nil {
			if res, rerr := c.g.router.Route(c.ctx, tk); rerr == nil {
				var tr task.TranscribeResult
				if res.Decode(&tr) == nil {
					text = tr.Text
				}
			}
		}
		select {
		case c.partials <- partialResult{turnID: turnID, text: text}:
		case <-c.ctx.Done():
		}
	}()
}

// kickVADCheck asks the detect_vad pool to confirm the local silence
// candidate before committing the utterance.
func (c *conn) kickVADCheck() {
	if c.vadBusy {
		return
	}
	c.vadBusy = true
	pcm := make([]byte, len(c.buf))
	copy(pcm, c.buf)
	sampleRate := c.sampleRate

	go func() {
		ended := false
		tk, err := task.New(task.TypeDetectVAD, task.DetectVADPayload{
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  sampleRate,
		}, task.PriorityInteractive)
		if err == nil {
			res, rerr := c.g.router.Route(c.ctx, tk)
			if rerr != nil {
				// Fall back to the local verdict rather than wedging the turn.
				log.Printf("gateway: session %s vad check: %v", c.sess.ID, rerr)
				ended = true
			} else {
				var v task.DetectVADResult
				if res.Decode(&v) == nil {
					ended = v.SpeechEnded
				}
			}
		}
		select {
		case c.vadChecks <- vadVerdict{speechEnded: ended}:
		case <-c.ctx.Done():
		}
	}()
}

func (c *conn) send(v any) {
	select {
	case c.out <- v:
	case <-c.ctx.Done():
	}
}

func (c *conn) sendError(turnID, kind, message string) {
	c.send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, TurnID: turnID, Kind: kind, Message: message})
}
