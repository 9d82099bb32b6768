package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/dparodi/vocalia/internal/task"
	"github.com/dparodi/vocalia/internal/worker"
)

func runFrames(t *testing.T, only task.Type, frames ...worker.Frame) []worker.Frame {
	t.Helper()
	var in bytes.Buffer
	fw := worker.NewFrameWriter(&in)
	for _, f := range frames {
		if err := fw.Write(f); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	var out bytes.Buffer
	exec := func(f worker.Frame) worker.Frame { return runTask(f, only) }
	if err := serve(&in, &out, exec); err != nil {
		t.Fatalf("serve() error = %v", err)
	}

	var replies []worker.Frame
	fr := worker.NewFrameReader(&out)
	for {
		f, err := fr.Read()
		if errors.Is(err, io.EOF) {
			return replies
		}
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		replies = append(replies, f)
	}
}

// replyFor finds the result or error frame for one task ID; replies arrive in
// completion order, not submission order.
func replyFor(t *testing.T, replies []worker.Frame, id string) worker.Frame {
	t.Helper()
	for _, f := range replies {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("no reply for task %s in %+v", id, replies)
	return worker.Frame{}
}

func taskFrame(t *testing.T, id string, tt task.Type, payload any) worker.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return worker.Frame{Kind: worker.FrameTask, ID: id, Type: tt, Payload: raw}
}

func tonePCM(dur time.Duration, sampleRate int) string {
	samples := int(dur.Seconds() * float64(sampleRate))
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*300*float64(i)/float64(sampleRate)))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

func TestServeReadyAndPong(t *testing.T) {
	replies := runFrames(t, "", worker.Frame{Kind: worker.FramePing})
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(replies))
	}
	if replies[0].Kind != worker.FrameReady {
		t.Fatalf("first frame = %q, want ready", replies[0].Kind)
	}
	if replies[1].Kind != worker.FramePong {
		t.Fatalf("second frame = %q, want pong", replies[1].Kind)
	}
}

func TestServeTranscribe(t *testing.T) {
	replies := runFrames(t, task.TypeTranscribe,
		taskFrame(t, "t1", task.TypeTranscribe, task.TranscribePayload{
			PCM16Base64: tonePCM(time.Second, 16000),
			SampleRate:  16000,
		}),
		taskFrame(t, "t2", task.TypeTranscribe, task.TranscribePayload{
			PCM16Base64: base64.StdEncoding.EncodeToString(make([]byte, 16000)),
			SampleRate:  16000,
		}),
	)
	if len(replies) != 3 {
		t.Fatalf("replies = %d, want 3", len(replies))
	}

	toneReply := replyFor(t, replies, "t1")
	if toneReply.Kind != worker.FrameResult {
		t.Fatalf("frame = %+v, want result for t1", toneReply)
	}
	var spoken task.TranscribeResult
	if err := json.Unmarshal(toneReply.Payload, &spoken); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if spoken.Text == "" {
		t.Fatalf("tone transcribed to empty text")
	}

	var silent task.TranscribeResult
	if err := json.Unmarshal(replyFor(t, replies, "t2").Payload, &silent); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if silent.Text != "" {
		t.Fatalf("silence transcribed to %q, want empty", silent.Text)
	}
}

func TestServeSynthesizeWAV(t *testing.T) {
	replies := runFrames(t, "",
		taskFrame(t, "s1", task.TypeSynthesize, task.SynthesizePayload{
			Text:   "hello there friend",
			Format: "wav",
		}),
	)
	reply := replyFor(t, replies, "s1")
	if reply.Kind != worker.FrameResult {
		t.Fatalf("reply = %+v, want result", reply)
	}
	var res task.SynthesizeResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Format != "wav" {
		t.Fatalf("format = %q, want wav", res.Format)
	}
	raw, err := base64.StdEncoding.DecodeString(res.PCM16Base64)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(raw) < 44 || string(raw[:4]) != "RIFF" {
		t.Fatalf("payload is not a wav container")
	}
}

func TestServeDetectVAD(t *testing.T) {
	tone, _ := base64.StdEncoding.DecodeString(tonePCM(400*time.Millisecond, 16000))
	utterance := append(tone, make([]byte, 16000*2*7/10)...) // 700ms silence tail

	replies := runFrames(t, task.TypeDetectVAD,
		taskFrame(t, "v1", task.TypeDetectVAD, task.DetectVADPayload{
			PCM16Base64: base64.StdEncoding.EncodeToString(utterance),
			SampleRate:  16000,
		}),
	)
	reply := replyFor(t, replies, "v1")
	if reply.Kind != worker.FrameResult {
		t.Fatalf("reply = %+v, want result", reply)
	}
	var res task.DetectVADResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.SpeechEnded {
		t.Fatalf("SpeechEnded = false, want true (trailing silence %dms)", res.TrailingSilenceMS)
	}
}

func TestServeRejectsWrongType(t *testing.T) {
	replies := runFrames(t, task.TypeTranscribe,
		taskFrame(t, "x1", task.TypeSynthesize, task.SynthesizePayload{Text: "hi"}),
	)
	reply := replyFor(t, replies, "x1")
	if reply.Kind != worker.FrameError {
		t.Fatalf("reply = %+v, want error frame", reply)
	}
	if reply.Error == nil || reply.Error.Kind != task.KindWorkerFailed {
		t.Fatalf("error = %+v, want worker_failed", reply.Error)
	}
}

func TestServeShutdownStopsServing(t *testing.T) {
	replies := runFrames(t, "",
		worker.Frame{Kind: worker.FrameShutdown},
		worker.Frame{Kind: worker.FramePing},
	)
	if len(replies) != 1 || replies[0].Kind != worker.FrameReady {
		t.Fatalf("replies = %+v, want only ready", replies)
	}
}

func TestServePongWhileTaskRuns(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()

	release := make(chan struct{})
	exec := func(f worker.Frame) worker.Frame {
		<-release
		return worker.Frame{Kind: worker.FrameResult, ID: f.ID, Payload: json.RawMessage(`{}`)}
	}

	served := make(chan error, 1)
	go func() { served <- serve(inR, outW, exec) }()

	frames := make(chan worker.Frame, 8)
	go func() {
		fr := worker.NewFrameReader(outR)
		for {
			f, err := fr.Read()
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()
	next := func() worker.Frame {
		t.Helper()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("output stream closed early")
			}
			return f
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for a frame")
		}
		return worker.Frame{}
	}

	fw := worker.NewFrameWriter(inW)
	if f := next(); f.Kind != worker.FrameReady {
		t.Fatalf("first frame = %q, want ready", f.Kind)
	}

	if err := fw.Write(worker.Frame{Kind: worker.FrameTask, ID: "slow", Type: task.TypeTranscribe}); err != nil {
		t.Fatalf("Write(task) error = %v", err)
	}
	if err := fw.Write(worker.Frame{Kind: worker.FramePing}); err != nil {
		t.Fatalf("Write(ping) error = %v", err)
	}

	if f := next(); f.Kind != worker.FramePong {
		t.Fatalf("frame during task = %q, want pong", f.Kind)
	}

	close(release)
	if f := next(); f.Kind != worker.FrameResult || f.ID != "slow" {
		t.Fatalf("frame = %+v, want result for slow", f)
	}

	if err := fw.Write(worker.Frame{Kind: worker.FrameShutdown}); err != nil {
		t.Fatalf("Write(shutdown) error = %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not exit on shutdown")
	}
}
