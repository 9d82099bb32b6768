package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stage names recorded per turn.
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StageFirstAudio = "first_audio"
	StageTurnTotal  = "turn_total"
)

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Turns       int              `json:"turns"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// TurnRecord is the raw per-turn trace kept for the latency endpoint.
type TurnRecord struct {
	TurnID     string           `json:"turn_id"`
	SessionID  string           `json:"session_id"`
	StageMS    map[string]int64 `json:"stage_ms"`
	Outcome    string           `json:"outcome"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// TurnWindow keeps a bounded rolling window of per-stage latency samples plus
// the raw per-turn records they came from.
type TurnWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*turnStageBuffer
	indicators map[string]int
	records    []TurnRecord
	nextRec    int
	recFilled  bool
	turns      int
}

type turnStageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewTurnWindow(maxSamples int) *TurnWindow {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &TurnWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*turnStageBuffer),
		indicators: make(map[string]int),
		records:    make([]TurnRecord, maxSamples),
	}
}

// RecordTurn stores one finished turn: its raw record and every stage sample.
func (w *TurnWindow) RecordTurn(rec TurnRecord) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	w.mu.Lock()
	w.records[w.nextRec] = rec
	w.nextRec++
	if w.nextRec >= len(w.records) {
		w.nextRec = 0
		w.recFilled = true
	}
	w.turns++
	w.mu.Unlock()

	for stage, ms := range rec.StageMS {
		w.Observe(stage, float64(ms))
	}
}

func (w *TurnWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &turnStageBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *TurnWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stages := make([]TurnStageStats, 0, len(w.stages))
	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	for _, stage := range keys {
		buf := w.stages[stage]
		if buf == nil {
			continue
		}
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stages = append(stages, TurnStageStats{
			Stage:       stage,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	indicators := make([]TurnIndicator, 0, len(w.indicators))
	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	for _, name := range indicatorKeys {
		count := w.indicators[name]
		if count <= 0 {
			continue
		}
		indicators = append(indicators, TurnIndicator{
			Name:  name,
			Count: count,
		})
	}

	return TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Turns:       w.turns,
		Stages:      stages,
		Indicators:  indicators,
	}
}

// RecentTurns returns up to n raw turn records, newest first.
func (w *TurnWindow) RecentTurns(n int) []TurnRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total := w.nextRec
	if w.recFilled {
		total = len(w.records)
	}
	if n <= 0 || n > total {
		n = total
	}
	out := make([]TurnRecord, 0, n)
	idx := w.nextRec
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(w.records) - 1
		}
		out = append(out, w.records[idx])
	}
	return out
}

// ObserveIndicator counts a named quality signal, e.g. user feedback scores
// or barge-ins.
func (w *TurnWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *TurnWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*turnStageBuffer)
	w.indicators = make(map[string]int)
	w.records = make([]TurnRecord, w.maxSamples)
	w.nextRec = 0
	w.recFilled = false
	w.turns = 0
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageTranscribe:
		return 450
	case StageGenerate:
		return 900
	case StageSynthesize:
		return 700
	case StageFirstAudio:
		return 1400
	case StageTurnTotal:
		return 3200
	default:
		return 0
	}
}
