package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	VoiceID    string `json:"voice_id"`
	Speak      bool   `json:"speak"`
	SampleRate int    `json:"sample_rate"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	State           State     `json:"state"`
	VoiceID         string    `json:"voice_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
