package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/dparodi/vocalia/internal/memory"
	"github.com/dparodi/vocalia/internal/observability"
	"github.com/dparodi/vocalia/internal/protocol"
	"github.com/dparodi/vocalia/internal/session"
	"github.com/dparodi/vocalia/internal/task"
)

// runTurn executes one full turn: transcribe (unless the turn started from
// text), generate, synthesize. It reports back on events when done; a
// cancelled context means the turn was discarded and nothing more may be
// sent to the client.
func (g *Gateway) runTurn(ctx context.Context, sess *session.Session, turnID string, pcm []byte, text string, sampleRate int, startedAt time.Time, out chan<- any, events chan<- turnEvent) {
	stageMS := make(map[string]int64)
	outcome := "ok"

	finish := func() {
		select {
		case events <- turnEvent{turnID: turnID, outcome: outcome}:
		case <-ctx.Done():
		}
	}

	// send drops the frame once the turn is discarded. The explicit Err check
	// matters: with both channels ready a select picks at random, which would
	// let a cancelled turn's pending reply leak to the client.
	send := func(v any) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error, fallbackKind string) {
		if errors.Is(err, context.Canceled) {
			return
		}
		kind := string(task.KindOf(err))
		if kind == "" {
			kind = fallbackKind
		}
		outcome = kind
		send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, TurnID: turnID, Kind: kind, Message: err.Error()})
		finish()
	}

	// Transcribe.
	if text == "" {
		stageStart := time.Now()
		tk, err := task.New(task.TypeTranscribe, task.TranscribePayload{
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  sampleRate,
		}, task.PriorityInteractive)
		if err != nil {
			fail(err, "transcribe_failed")
			return
		}
		res, err := g.router.Route(ctx, tk)
		g.metrics.CountTask(string(task.TypeTranscribe), outcomeLabel(err))
		if err != nil {
			fail(err, "transcribe_failed")
			return
		}
		var tr task.TranscribeResult
		if err := res.Decode(&tr); err != nil {
			fail(err, "transcribe_failed")
			return
		}
		stageMS[observability.StageTranscribe] = time.Since(stageStart).Milliseconds()

		text = tr.Text
		if !send(protocol.STTFinal{Type: protocol.TypeSTTFinal, TurnID: turnID, Text: text, Confidence: tr.Confidence}) {
			return
		}
		if text == "" {
			outcome = "empty_utterance"
			finish()
			return
		}
	} else {
		// Typed turns still get an stt_final so clients render one transcript
		// path for both input modes.
		if !send(protocol.STTFinal{Type: protocol.TypeSTTFinal, TurnID: turnID, Text: text}) {
			return
		}
	}

	// Generate.
	if err := g.sessions.SetState(sess.ID, session.StateGenerating); err != nil &&
		!errors.Is(err, session.ErrInvalidTransition) {
		log.Printf("gateway: turn %s generating: %v", turnID, err)
	}
	if !send(protocol.AgentThinking{Type: protocol.TypeAgentThinking, TurnID: turnID}) {
		return
	}

	stageStart := time.Now()
	history := g.contextLines(ctx, sess.UserID)
	tk, err := task.New(task.TypeGenerateReply, task.GenerateReplyPayload{
		Text:    text,
		Context: history,
		VoiceID: sess.VoiceID,
	}, task.PriorityInteractive)
	if err != nil {
		fail(err, "generate_failed")
		return
	}
	res, err := g.router.Route(ctx, tk)
	g.metrics.CountTask(string(task.TypeGenerateReply), outcomeLabel(err))
	if err != nil {
		fail(err, "generate_failed")
		return
	}
	var reply task.GenerateReplyResult
	if err := res.Decode(&reply); err != nil {
		fail(err, "generate_failed")
		return
	}
	stageMS[observability.StageGenerate] = time.Since(stageStart).Milliseconds()

	g.saveTurns(sess, text, reply.Text)
	if !send(protocol.AgentReply{Type: protocol.TypeAgentReply, TurnID: turnID, Text: reply.Text}) {
		return
	}

	// Synthesize.
	var firstAudio time.Duration
	if sess.Speak && reply.Text != "" {
		if err := g.sessions.SetState(sess.ID, session.StateSpeaking); err != nil &&
			!errors.Is(err, session.ErrInvalidTransition) {
			log.Printf("gateway: turn %s speaking: %v", turnID, err)
		}

		stageStart = time.Now()
		tk, err := task.New(task.TypeSynthesize, task.SynthesizePayload{
			Text:    reply.Text,
			VoiceID: sess.VoiceID,
		}, task.PriorityInteractive)
		if err != nil {
			fail(err, "synthesize_failed")
			return
		}
		res, err := g.router.Route(ctx, tk)
		g.metrics.CountTask(string(task.TypeSynthesize), outcomeLabel(err))
		if err != nil {
			fail(err, "synthesize_failed")
			return
		}
		var syn task.SynthesizeResult
		if err := res.Decode(&syn); err != nil {
			fail(err, "synthesize_failed")
			return
		}
		stageMS[observability.StageSynthesize] = time.Since(stageStart).Milliseconds()

		raw, err := base64.StdEncoding.DecodeString(syn.PCM16Base64)
		if err != nil {
			fail(err, "synthesize_failed")
			return
		}
		format := syn.Format
		if format == "" {
			format = "pcm16"
		}
		chunks := 0
		for off := 0; off < len(raw); off += g.cfg.TTSChunkBytes {
			end := off + g.cfg.TTSChunkBytes
			if end > len(raw) {
				end = len(raw)
			}
			if chunks == 0 {
				firstAudio = time.Since(startedAt)
				g.metrics.ObserveFirstAudioLatency(firstAudio)
				stageMS[observability.StageFirstAudio] = firstAudio.Milliseconds()
			}
			ok := send(protocol.TTSChunk{
				Type:        protocol.TypeTTSChunk,
				TurnID:      turnID,
				Seq:         chunks,
				Format:      format,
				SampleRate:  syn.SampleRate,
				AudioBase64: base64.StdEncoding.EncodeToString(raw[off:end]),
			})
			if !ok {
				return
			}
			chunks++
		}
		if !send(protocol.TTSComplete{Type: protocol.TypeTTSComplete, TurnID: turnID, Chunks: chunks}) {
			return
		}
	}

	stageMS[observability.StageTurnTotal] = time.Since(startedAt).Milliseconds()
	g.turns.RecordTurn(observability.TurnRecord{
		TurnID:    turnID,
		SessionID: sess.ID,
		StageMS:   stageMS,
		Outcome:   outcome,
	})
	send(protocol.TurnMetrics{
		Type:         protocol.TypeTurnMetrics,
		TurnID:       turnID,
		StageMS:      stageMS,
		EndToEndMS:   stageMS[observability.StageTurnTotal],
		FirstAudioMS: firstAudio.Milliseconds(),
	})
	finish()
}

// contextLines fetches the bounded turn history as "role: content" lines,
// oldest first. Failures degrade to an empty context.
func (g *Gateway) contextLines(ctx context.Context, userID string) []string {
	records, err := g.store.RecentContext(ctx, userID, g.cfg.ContextWindowTurns)
	if err != nil {
		log.Printf("gateway: recent context for %s: %v", userID, err)
		return nil
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, r.Role+": "+r.Content)
	}
	return lines
}

// saveTurns persists both sides of the exchange. Persistence is best-effort:
// a storage failure never breaks the live turn.
func (g *Gateway) saveTurns(sess *session.Session, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, rec := range []memory.TurnRecord{
		{UserID: sess.UserID, SessionID: sess.ID, Role: "user", Content: userText},
		{UserID: sess.UserID, SessionID: sess.ID, Role: "assistant", Content: assistantText},
	} {
		if err := g.store.SaveTurn(ctx, rec); err != nil {
			log.Printf("gateway: save turn for %s: %v", sess.ID, err)
		}
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := task.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
