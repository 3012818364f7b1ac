// Package config loads runtime settings from the environment and the
// profile registry from YAML. Profiles bundle the tracker and per-role
// driver/model bindings a workflow runs with.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the environment-driven runtime configuration.
type Settings struct {
	Host string
	Port int

	// MaxConcurrentWorkflows caps active workflows.
	MaxConcurrentWorkflows int
	// MaxIterations is the default developer/reviewer loop cap.
	MaxIterations int
	// MaxPipelineSteps caps graph steps per run.
	MaxPipelineSteps int
	// CancelGracePeriod bounds how long cancel waits for a task.
	CancelGracePeriod time.Duration

	// WSQueueDepth is the per-connection outbound queue size.
	WSQueueDepth int
	// WSWriteTimeout bounds a single WebSocket write.
	WSWriteTimeout time.Duration

	// ProfilesPath points at the profiles YAML file. Empty selects the
	// built-in default profile only.
	ProfilesPath string
	// DefaultProfile names the profile used when a request omits one.
	DefaultProfile string

	LogLevel slog.Level
}

// LoadSettings reads settings from the environment with defaults.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		Host:                   getEnv("HOST", "0.0.0.0"),
		MaxConcurrentWorkflows: 5,
		MaxIterations:          3,
		MaxPipelineSteps:       50,
		CancelGracePeriod:      5 * time.Second,
		WSQueueDepth:           256,
		WSWriteTimeout:         10 * time.Second,
		ProfilesPath:           getEnv("PROFILES_PATH", ""),
		DefaultProfile:         getEnv("DEFAULT_PROFILE", "default"),
		LogLevel:               slog.LevelInfo,
	}

	var err error
	if s.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, err
	}
	if s.MaxConcurrentWorkflows, err = getEnvInt("MAX_CONCURRENT_WORKFLOWS", s.MaxConcurrentWorkflows); err != nil {
		return nil, err
	}
	if s.MaxIterations, err = getEnvInt("MAX_ITERATIONS", s.MaxIterations); err != nil {
		return nil, err
	}
	if s.MaxPipelineSteps, err = getEnvInt("MAX_PIPELINE_STEPS", s.MaxPipelineSteps); err != nil {
		return nil, err
	}
	if s.WSQueueDepth, err = getEnvInt("WS_QUEUE_DEPTH", s.WSQueueDepth); err != nil {
		return nil, err
	}
	if s.CancelGracePeriod, err = getEnvDuration("CANCEL_GRACE_PERIOD", s.CancelGracePeriod); err != nil {
		return nil, err
	}
	if s.WSWriteTimeout, err = getEnvDuration("WS_WRITE_TIMEOUT", s.WSWriteTimeout); err != nil {
		return nil, err
	}

	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		s.LogLevel = slog.LevelDebug
	case "info":
		s.LogLevel = slog.LevelInfo
	case "warn", "warning":
		s.LogLevel = slog.LevelWarn
	case "error":
		s.LogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", os.Getenv("LOG_LEVEL"))
	}

	if s.MaxConcurrentWorkflows <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_WORKFLOWS must be positive")
	}
	if s.MaxIterations <= 0 {
		return nil, fmt.Errorf("MAX_ITERATIONS must be positive")
	}
	return s, nil
}

// Addr returns the host:port listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
