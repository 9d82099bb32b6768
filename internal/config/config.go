package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dparodi/vocalia/internal/task"
)

// PoolConfig holds per-task-type pool tuning.
type PoolConfig struct {
	Slots   int
	Command string
}

// Config contains all runtime settings for the voice pipeline service.
type Config struct {
	BindAddr                 string
	MetricsNamespace         string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	AllowAnyOrigin           bool

	// WorkerCommand is the default worker command line; per-type overrides
	// come from WORKER_<TYPE>_CMD.
	WorkerCommand string
	Pools         map[task.Type]PoolConfig

	PoolHealthInterval time.Duration
	PoolPingTimeout    time.Duration
	PoolStartTimeout   time.Duration
	PoolTaskDeadline   time.Duration
	PoolMaxRestarts    int
	PoolRestartWindow  time.Duration
	PoolShutdownGrace  time.Duration

	// VADMode selects "local" energy endpointing or the "worker" detect_vad
	// pool for utterance boundaries.
	VADMode             string
	VADSilenceThreshold float64
	VADMinSpeech        time.Duration
	VADMaxSilence       time.Duration

	ContextWindowTurns int
	TTSChunkBytes      int
	TurnWindowSize     int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "vocalia"),
		WorkerCommand:            envOrDefault("WORKER_CMD", "vocalia-worker"),
		VADMode:                  envOrDefault("VAD_MODE", "local"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		PoolHealthInterval:       5 * time.Second,
		PoolPingTimeout:          2 * time.Second,
		PoolStartTimeout:         30 * time.Second,
		PoolTaskDeadline:         30 * time.Second,
		PoolMaxRestarts:          3,
		PoolRestartWindow:        time.Minute,
		PoolShutdownGrace:        10 * time.Second,
		VADSilenceThreshold:      0.015,
		VADMinSpeech:             200 * time.Millisecond,
		VADMaxSilence:            600 * time.Millisecond,
		ContextWindowTurns:       10,
		TTSChunkBytes:            32 << 10,
		TurnWindowSize:           1000,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.PoolHealthInterval, err = durationFromEnv("POOL_HEALTH_INTERVAL", cfg.PoolHealthInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PoolPingTimeout, err = durationFromEnv("POOL_PING_TIMEOUT", cfg.PoolPingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PoolStartTimeout, err = durationFromEnv("POOL_START_TIMEOUT", cfg.PoolStartTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PoolTaskDeadline, err = durationFromEnv("POOL_TASK_DEADLINE", cfg.PoolTaskDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.PoolMaxRestarts, err = intFromEnv("POOL_MAX_RESTARTS", cfg.PoolMaxRestarts)
	if err != nil {
		return Config{}, err
	}
	cfg.PoolRestartWindow, err = durationFromEnv("POOL_RESTART_WINDOW", cfg.PoolRestartWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.PoolShutdownGrace, err = durationFromEnv("POOL_SHUTDOWN_GRACE", cfg.PoolShutdownGrace)
	if err != nil {
		return Config{}, err
	}

	cfg.VADSilenceThreshold, err = floatFromEnv("VAD_SILENCE_THRESHOLD", cfg.VADSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeech, err = durationFromEnv("VAD_MIN_SPEECH", cfg.VADMinSpeech)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMaxSilence, err = durationFromEnv("VAD_MAX_SILENCE", cfg.VADMaxSilence)
	if err != nil {
		return Config{}, err
	}

	cfg.ContextWindowTurns, err = intFromEnv("CONTEXT_WINDOW_TURNS", cfg.ContextWindowTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSChunkBytes, err = intFromEnv("TTS_CHUNK_BYTES", cfg.TTSChunkBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnWindowSize, err = intFromEnv("TURN_WINDOW_SIZE", cfg.TurnWindowSize)
	if err != nil {
		return Config{}, err
	}

	cfg.Pools, err = loadPools(cfg.WorkerCommand)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.VADMode != "local" && cfg.VADMode != "worker" {
		return Config{}, fmt.Errorf("VAD_MODE must be local or worker")
	}
	if cfg.VADMode == "worker" {
		if _, ok := cfg.Pools[task.TypeDetectVAD]; !ok {
			return Config{}, fmt.Errorf("VAD_MODE=worker requires a detect_vad pool (POOL_DETECT_VAD_SLOTS > 0)")
		}
	}
	if cfg.ContextWindowTurns <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_WINDOW_TURNS must be positive")
	}
	if cfg.TTSChunkBytes <= 0 {
		return Config{}, fmt.Errorf("TTS_CHUNK_BYTES must be positive")
	}
	if cfg.PoolMaxRestarts <= 0 {
		return Config{}, fmt.Errorf("POOL_MAX_RESTARTS must be positive")
	}

	return cfg, nil
}

// Default slot counts per task type. A zero slot count disables the pool.
var defaultSlots = map[task.Type]int{
	task.TypeTranscribe:    2,
	task.TypeGenerateReply: 2,
	task.TypeSynthesize:    2,
	task.TypeCloneVoice:    1,
	task.TypeDetectVAD:     0,
}

func loadPools(defaultCommand string) (map[task.Type]PoolConfig, error) {
	pools := make(map[task.Type]PoolConfig)
	for _, typ := range task.AllTypes() {
		key := "POOL_" + envKeyForType(typ) + "_SLOTS"
		slots, err := intFromEnv(key, defaultSlots[typ])
		if err != nil {
			return nil, err
		}
		if slots < 0 {
			return nil, fmt.Errorf("%s must be >= 0", key)
		}
		if slots == 0 {
			continue
		}
		cmd := envOrDefault("WORKER_"+envKeyForType(typ)+"_CMD", "")
		if cmd == "" {
			cmd = defaultCommand + " --type " + string(typ)
		}
		pools[typ] = PoolConfig{Slots: slots, Command: cmd}
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("at least one worker pool must be enabled")
	}
	return pools, nil
}

func envKeyForType(t task.Type) string {
	return strings.ToUpper(string(t))
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
