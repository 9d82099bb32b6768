package task

// Wire payloads shared by the gateway (producer) and workers (consumer).
// Audio travels base64-encoded PCM16LE mono, matching the session protocol.

type TranscribePayload struct {
	PCM16Base64 string `json:"pcm16_base64"`
	SampleRate  int    `json:"sample_rate"`
	Language    string `json:"language,omitempty"`
}

type TranscribeResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type GenerateReplyPayload struct {
	Text string `json:"text"`
	// Context is the bounded turn history, oldest first, "role: content" lines.
	Context []string `json:"context,omitempty"`
	VoiceID string   `json:"voice_id,omitempty"`
}

type GenerateReplyResult struct {
	Text string `json:"text"`
}

type SynthesizePayload struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
	// Format selects the output container: "pcm16" (default) or "wav".
	Format string `json:"format,omitempty"`
}

type SynthesizeResult struct {
	PCM16Base64 string `json:"pcm16_base64"`
	SampleRate  int    `json:"sample_rate"`
	Format      string `json:"format,omitempty"`
}

type CloneVoicePayload struct {
	Name        string `json:"name"`
	PCM16Base64 string `json:"pcm16_base64"`
	SampleRate  int    `json:"sample_rate"`
}

type CloneVoiceResult struct {
	VoiceID string `json:"voice_id"`
}

type DetectVADPayload struct {
	PCM16Base64 string `json:"pcm16_base64"`
	SampleRate  int    `json:"sample_rate"`
}

type DetectVADResult struct {
	SpeechEnded       bool  `json:"speech_ended"`
	TrailingSilenceMS int64 `json:"trailing_silence_ms,omitempty"`
}
