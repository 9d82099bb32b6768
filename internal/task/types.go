package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of inference work the pools can execute. Routing is
// per-type: an unregistered type is a configuration error, not a runtime one.
type Type string

const (
	TypeTranscribe    Type = "transcribe"
	TypeSynthesize    Type = "synthesize"
	TypeGenerateReply Type = "generate_reply"
	TypeCloneVoice    Type = "clone_voice"
	TypeDetectVAD     Type = "detect_vad"
)

// AllTypes lists every task type a registry is expected to serve.
func AllTypes() []Type {
	return []Type{
		TypeTranscribe,
		TypeSynthesize,
		TypeGenerateReply,
		TypeCloneVoice,
		TypeDetectVAD,
	}
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	switch t {
	case TypeTranscribe, TypeSynthesize, TypeGenerateReply, TypeCloneVoice, TypeDetectVAD:
		return t, nil
	default:
		return "", fmt.Errorf("unknown task type %q", s)
	}
}

// Priority orders queued tasks; higher dispatches first. Ties break by
// submission time, so equal-priority work stays FIFO.
type Priority int

const (
	PriorityBatch       Priority = 0
	PriorityInteractive Priority = 10
)

// Task is one unit of inference work. Immutable after creation.
type Task struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority Priority        `json:"priority"`

	// Deadline bounds the whole submission (queue wait + execution).
	// Zero means "use the pool's configured default", never "unbounded".
	Deadline time.Duration `json:"-"`

	SubmittedAt time.Time `json:"-"`
}

// New builds a task with a fresh ID and a marshalled payload.
func New(t Type, payload any, prio Priority) (Task, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Task{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return Task{
		ID:       uuid.NewString(),
		Type:     t,
		Payload:  raw,
		Priority: prio,
	}, nil
}

// Result is the successful outcome of one task, correlated by ID.
type Result struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the result payload into out.
func (r Result) Decode(out any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("result %s has empty payload", r.ID)
	}
	return json.Unmarshal(r.Payload, out)
}
