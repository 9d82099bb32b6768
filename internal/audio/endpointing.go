package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Endpointer detects utterance boundaries from PCM16LE energy. Feed it every
// inbound chunk; it reports true once enough speech has been heard and the
// trailing silence exceeds the configured window.
type Endpointer struct {
	SilenceThreshold float64
	MinSpeech        time.Duration
	MaxSilence       time.Duration

	speech          time.Duration
	trailingSilence time.Duration
	sawSpeech       bool
}

const (
	defaultSilenceThreshold = 0.015
	defaultMinSpeech        = 200 * time.Millisecond
	defaultMaxSilence       = 600 * time.Millisecond
)

func NewEndpointer(threshold float64, minSpeech, maxSilence time.Duration) *Endpointer {
	if threshold <= 0 {
		threshold = defaultSilenceThreshold
	}
	if minSpeech <= 0 {
		minSpeech = defaultMinSpeech
	}
	if maxSilence <= 0 {
		maxSilence = defaultMaxSilence
	}
	return &Endpointer{
		SilenceThreshold: threshold,
		MinSpeech:        minSpeech,
		MaxSilence:       maxSilence,
	}
}

// Feed consumes one chunk and reports whether the utterance just ended.
func (e *Endpointer) Feed(pcm []byte, sampleRate int) bool {
	if sampleRate <= 0 || len(pcm) < 2 {
		return false
	}
	dur := time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
	if RMS(pcm) >= e.SilenceThreshold {
		e.sawSpeech = true
		e.speech += dur
		e.trailingSilence = 0
	} else if e.sawSpeech {
		e.trailingSilence += dur
	}
	return e.sawSpeech && e.speech >= e.MinSpeech && e.trailingSilence >= e.MaxSilence
}

// SpeechHeard reports whether any speech-level energy arrived since the last
// reset. Used to trigger barge-in while the assistant is speaking.
func (e *Endpointer) SpeechHeard() bool { return e.sawSpeech }

func (e *Endpointer) TrailingSilence() time.Duration { return e.trailingSilence }

// Reset clears accumulated state at a turn boundary.
func (e *Endpointer) Reset() {
	e.speech = 0
	e.trailingSilence = 0
	e.sawSpeech = false
}

// RMS returns the normalized root-mean-square energy of PCM16LE samples,
// in [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
