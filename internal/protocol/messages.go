package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client-to-server frames.
const (
	TypeInit            MessageType = "init"
	TypeAudioChunk      MessageType = "audio_chunk"
	TypeTextInput       MessageType = "text_input"
	TypePause           MessageType = "pause"
	TypeResume          MessageType = "resume"
	TypeEnd             MessageType = "end"
	TypeQualityFeedback MessageType = "quality_feedback"
)

// Server-to-client frames.
const (
	TypeReady         MessageType = "ready"
	TypeSTTPartial    MessageType = "stt_partial"
	TypeSTTFinal      MessageType = "stt_final"
	TypeAgentThinking MessageType = "agent_thinking"
	TypeAgentReply    MessageType = "agent_reply"
	TypeTTSChunk      MessageType = "tts_chunk"
	TypeTTSComplete   MessageType = "tts_complete"
	TypeTurnMetrics   MessageType = "turn_metrics"
	TypeErrorEvent    MessageType = "error"
	TypeEnded         MessageType = "ended"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Init must be the first frame on a fresh connection. SessionID is optional:
// when present it reattaches to an existing session, otherwise one is created.
type Init struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	UserID     string      `json:"user_id"`
	VoiceID    string      `json:"voice_id,omitempty"`
	Speak      bool        `json:"speak"`
	SampleRate int         `json:"sample_rate"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// TextInput starts a turn from typed text, skipping transcription.
type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Control struct {
	Type MessageType `json:"type"`
}

type QualityFeedback struct {
	Type  MessageType `json:"type"`
	Score int         `json:"score"`
}

type Ready struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	SampleRate int         `json:"sample_rate"`
}

type STTPartial struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Text   string      `json:"text"`
}

type STTFinal struct {
	Type       MessageType `json:"type"`
	TurnID     string      `json:"turn_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence,omitempty"`
}

type AgentThinking struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
}

type AgentReply struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Text   string      `json:"text"`
}

type TTSChunk struct {
	Type        MessageType `json:"type"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

type TTSComplete struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Chunks int         `json:"chunks"`
}

// TurnMetrics reports per-stage latency for one finished turn.
type TurnMetrics struct {
	Type         MessageType      `json:"type"`
	TurnID       string           `json:"turn_id"`
	StageMS      map[string]int64 `json:"stage_ms"`
	EndToEndMS   int64            `json:"end_to_end_ms"`
	FirstAudioMS int64            `json:"first_audio_ms,omitempty"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	TurnID  string      `json:"turn_id,omitempty"`
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
}

type Ended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInit:
		var msg Init
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" {
			return nil, errors.New("init requires user_id")
		}
		if msg.SampleRate <= 0 {
			return nil, errors.New("init requires a positive sample_rate")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("text_input requires text")
		}
		return msg, nil
	case TypePause, TypeResume, TypeEnd:
		var msg Control
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeQualityFeedback:
		var msg QualityFeedback
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Score < 1 || msg.Score > 5 {
			return nil, errors.New("quality_feedback score must be 1..5")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
