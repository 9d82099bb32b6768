// vocalia-worker is the stock inference worker. It speaks the newline-JSON
// pool protocol on stdin/stdout and serves mock model backends, which keeps
// the full pipeline runnable on a laptop with no model weights installed.
// Production deployments point WORKER_<TYPE>_CMD at real inference workers
// that speak the same protocol.
package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dparodi/vocalia/internal/audio"
	"github.com/dparodi/vocalia/internal/task"
	"github.com/dparodi/vocalia/internal/worker"
)

func main() {
	typeFlag := flag.String("type", "", "task type this worker serves (empty serves all)")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetPrefix("vocalia-worker: ")
	log.SetFlags(0)

	var only task.Type
	if *typeFlag != "" {
		t, err := task.ParseType(*typeFlag)
		if err != nil {
			log.Fatalf("%v", err)
		}
		only = t
	}

	exec := func(f worker.Frame) worker.Frame { return runTask(f, only) }
	if err := serve(os.Stdin, os.Stdout, exec); err != nil {
		log.Fatalf("%v", err)
	}
}

// serve pumps the worker protocol. Tasks execute on their own goroutine so
// the read loop keeps answering pings while inference runs; the pool
// dispatches one task per worker, so exec never actually runs concurrently
// with itself. In-flight results are flushed before shutdown.
func serve(in io.Reader, out io.Writer, exec func(worker.Frame) worker.Frame) error {
	r := worker.NewFrameReader(in)
	w := worker.NewFrameWriter(out)

	if err := w.Write(worker.Frame{Kind: worker.FrameReady}); err != nil {
		return err
	}

	var tasks sync.WaitGroup
	defer tasks.Wait()

	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch f.Kind {
		case worker.FramePing:
			if err := w.Write(worker.Frame{Kind: worker.FramePong}); err != nil {
				return err
			}
		case worker.FrameShutdown:
			return nil
		case worker.FrameTask:
			tasks.Add(1)
			go func(f worker.Frame) {
				defer tasks.Done()
				if err := w.Write(exec(f)); err != nil {
					log.Printf("write reply for %s: %v", f.ID, err)
				}
			}(f)
		default:
			log.Printf("ignoring frame kind %q", f.Kind)
		}
	}
}

func runTask(f worker.Frame, only task.Type) worker.Frame {
	if only != "" && f.Type != only {
		return errorFrame(f.ID, fmt.Sprintf("worker serves %s, got %s", only, f.Type))
	}

	var (
		payload any
		err     error
	)
	switch f.Type {
	case task.TypeTranscribe:
		payload, err = runTranscribe(f.Payload)
	case task.TypeGenerateReply:
		payload, err = runGenerateReply(f.Payload)
	case task.TypeSynthesize:
		payload, err = runSynthesize(f.Payload)
	case task.TypeCloneVoice:
		payload, err = runCloneVoice(f.Payload)
	case task.TypeDetectVAD:
		payload, err = runDetectVAD(f.Payload)
	default:
		err = fmt.Errorf("unsupported task type %q", f.Type)
	}
	if err != nil {
		return errorFrame(f.ID, err.Error())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errorFrame(f.ID, err.Error())
	}
	return worker.Frame{Kind: worker.FrameResult, ID: f.ID, Payload: raw}
}

func errorFrame(id, message string) worker.Frame {
	return worker.Frame{
		Kind:  worker.FrameError,
		ID:    id,
		Error: task.NewError(task.KindWorkerFailed, message),
	}
}

// Canned transcripts keyed by utterance length. Deterministic so pipeline
// tests and demos get stable output.
var mockTranscripts = []string{
	"hi",
	"hey, how are you",
	"can you tell me what the weather looks like today",
	"i was thinking about the plan we discussed yesterday and wanted to go over the details once more",
}

func runTranscribe(raw json.RawMessage) (any, error) {
	var p task.TranscribePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	pcm, err := base64.StdEncoding.DecodeString(p.PCM16Base64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("sample_rate must be positive")
	}

	if audio.RMS(pcm) < 0.005 {
		// Silence transcribes to nothing.
		return task.TranscribeResult{Text: "", Confidence: 0}, nil
	}

	dur := pcmDuration(len(pcm), p.SampleRate)
	idx := int(dur / (2 * time.Second))
	if idx >= len(mockTranscripts) {
		idx = len(mockTranscripts) - 1
	}
	return task.TranscribeResult{Text: mockTranscripts[idx], Confidence: 0.92}, nil
}

func runGenerateReply(raw json.RawMessage) (any, error) {
	var p task.GenerateReplyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	reply := fmt.Sprintf("you said %q", text)
	if len(p.Context) > 0 {
		reply = fmt.Sprintf("picking up from our last %d exchanges: %s", len(p.Context), reply)
	}
	return task.GenerateReplyResult{Text: reply}, nil
}

const synthSampleRate = 16000

func runSynthesize(raw json.RawMessage) (any, error) {
	var p task.SynthesizePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	// Roughly 60ms of audio per word, bounded so pathological inputs cannot
	// produce minutes of tone.
	words := len(strings.Fields(text))
	dur := time.Duration(words) * 60 * time.Millisecond
	if dur < 200*time.Millisecond {
		dur = 200 * time.Millisecond
	}
	if dur > 10*time.Second {
		dur = 10 * time.Second
	}
	pcm := sineTone(dur, synthSampleRate, 220)

	format := strings.TrimSpace(p.Format)
	if format == "" {
		format = "pcm16"
	}
	out := pcm
	if format == "wav" {
		wav, err := audio.EncodeWAVPCM16LE(pcm, synthSampleRate)
		if err != nil {
			return nil, err
		}
		out = wav
	}

	return task.SynthesizeResult{
		PCM16Base64: base64.StdEncoding.EncodeToString(out),
		SampleRate:  synthSampleRate,
		Format:      format,
	}, nil
}

func runCloneVoice(raw json.RawMessage) (any, error) {
	var p task.CloneVoicePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	pcm, err := base64.StdEncoding.DecodeString(p.PCM16Base64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("sample_rate must be positive")
	}
	// Real cloning wants several seconds of reference speech.
	if pcmDuration(len(pcm), p.SampleRate) < time.Second {
		return nil, fmt.Errorf("reference audio too short, need at least 1s")
	}
	return task.CloneVoiceResult{VoiceID: "voice-" + uuid.NewString()}, nil
}

func runDetectVAD(raw json.RawMessage) (any, error) {
	var p task.DetectVADPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	pcm, err := base64.StdEncoding.DecodeString(p.PCM16Base64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("sample_rate must be positive")
	}

	// Feed the endpointer in 20ms frames; whole-buffer RMS would smear
	// trailing silence into the speech energy.
	ep := audio.NewEndpointer(0, 0, 0)
	frame := p.SampleRate / 50 * 2
	ended := false
	for off := 0; off < len(pcm); off += frame {
		end := off + frame
		if end > len(pcm) {
			end = len(pcm)
		}
		if ep.Feed(pcm[off:end], p.SampleRate) {
			ended = true
		}
	}
	return task.DetectVADResult{
		SpeechEnded:       ended,
		TrailingSilenceMS: ep.TrailingSilence().Milliseconds(),
	}, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func pcmDuration(bytes, sampleRate int) time.Duration {
	samples := bytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func sineTone(dur time.Duration, sampleRate int, freq float64) []byte {
	samples := int(dur.Seconds() * float64(sampleRate))
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}
