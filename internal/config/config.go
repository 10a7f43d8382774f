// Package config reads the engine's configuration options from the
// environment (spec.md §6). No third-party config library is used here:
// the teacher this repo is built from never reaches for one either, so
// plain os.Getenv is the idiom this repo's ambient config stays in.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every option spec.md §6 lists as recognized by the core.
type Config struct {
	ExecutionIntegrityCheckDelay     time.Duration // negative disables the monitor
	ExecutionIntegrityCheckBatchSize int
	ExecutionIntegrityCheckAfter     time.Duration // staleness threshold for a stuck RUNNING task

	ActionHeartbeatFirstTimeout time.Duration
	ActionHeartbeatMaxMissed    int

	ExecutionFieldSizeLimitKB int // negative = unlimited

	SchedulerFixedDelay     time.Duration
	SchedulerCaptureTimeout time.Duration
	SchedulerBatchSize      int

	StorePath string
	NatsURL   string
	HTTPAddr  string
}

// FromEnv reads a Config from the environment, falling back to the
// defaults spec.md names.
func FromEnv() Config {
	return Config{
		ExecutionIntegrityCheckDelay:     durationEnv("MISTRAL_INTEGRITY_CHECK_DELAY", 10*time.Second),
		ExecutionIntegrityCheckBatchSize: intEnv("MISTRAL_INTEGRITY_CHECK_BATCH_SIZE", 20),
		ExecutionIntegrityCheckAfter:     durationEnv("MISTRAL_INTEGRITY_CHECK_AFTER", 120*time.Second),
		ActionHeartbeatFirstTimeout:      durationEnv("MISTRAL_HEARTBEAT_FIRST_TIMEOUT", 150*time.Second),
		ActionHeartbeatMaxMissed:         intEnv("MISTRAL_HEARTBEAT_MAX_MISSED", 3),
		ExecutionFieldSizeLimitKB:        intEnv("MISTRAL_FIELD_SIZE_LIMIT_KB", 1024),
		SchedulerFixedDelay:              durationEnv("MISTRAL_SCHEDULER_FIXED_DELAY", 1*time.Second),
		SchedulerCaptureTimeout:          durationEnv("MISTRAL_SCHEDULER_CAPTURE_TIMEOUT", 5*time.Minute),
		SchedulerBatchSize:               intEnv("MISTRAL_SCHEDULER_BATCH_SIZE", 50),
		StorePath:                        strEnv("MISTRAL_STORE_PATH", "mistral.db"),
		NatsURL:                          strEnv("MISTRAL_NATS_URL", "nats://127.0.0.1:4222"),
		HTTPAddr:                         strEnv("MISTRAL_HTTP_ADDR", ":8080"),
	}
}

func strEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
