package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleWebhook   Role = "webhook"
	RoleProcessor Role = "processor"
)

type RunMode string

const (
	RunLambda RunMode = "lambda"
	RunLocal  RunMode = "local"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

const (
	defaultApologyText         = "Desculpe, encontrei um erro ao processar sua mensagem. Tente novamente mais tarde."
	defaultUnreadableAudioText = "Recebi seu audio, mas nao consegui transcrever agora. Pode enviar em texto?"
)

type Config struct {
	Role    Role
	RunMode RunMode

	StateTable        string
	ParamPrefix       string
	ProcessorFunction string
	StoreBackend      string
	ListenAddr        string

	QuietPeriod time.Duration
	LockTTL     time.Duration
	BufferTTL   time.Duration
	BlockTTL    time.Duration
	EchoTTL     time.Duration

	MaxContextItems  int
	MaxMessageLength int

	InstagramAPIVersion string
	SendRatePerSecond   float64

	LogLevel            string
	ApologyText         string
	UnreadableAudioText string
}

// Load reads every environment variable once and validates the combination.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	runMode := RunMode(env("RUN_MODE", string(RunLambda)))
	defaultBackend := BackendDynamoDB
	if runMode == RunLocal {
		defaultBackend = BackendMemory
	}

	cfg := &Config{
		Role:    Role(env("HANDLER", string(RoleWebhook))),
		RunMode: runMode,

		StateTable:        env("STATE_TABLE", ""),
		ParamPrefix:       env("PARAM_PREFIX", ""),
		ProcessorFunction: env("PROCESSOR_FUNCTION", ""),
		StoreBackend:      env("STORE_BACKEND", defaultBackend),
		ListenAddr:        env("LISTEN_ADDR", ":8080"),

		InstagramAPIVersion: env("INSTAGRAM_API_VERSION", "v25.0"),

		LogLevel:            env("LOG_LEVEL", "info"),
		ApologyText:         env("APOLOGY_TEXT", defaultApologyText),
		UnreadableAudioText: env("UNREADABLE_AUDIO_TEXT", defaultUnreadableAudioText),
	}

	var errs []error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"QUIET_PERIOD", 5 * time.Second, &cfg.QuietPeriod},
		{"LOCK_TTL", 60 * time.Second, &cfg.LockTTL},
		{"BUFFER_TTL", 5 * time.Minute, &cfg.BufferTTL},
		{"BLOCK_TTL", 5 * time.Minute, &cfg.BlockTTL},
		{"ECHO_TTL", 120 * time.Second, &cfg.EchoTTL},
	}
	for _, d := range durations {
		v, err := envDuration(env(d.key, ""), d.def)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", d.key, err))
			continue
		}
		*d.dst = v
	}
	cfg.MaxContextItems = envInt(env("MAX_CONTEXT_ITEMS", ""), 20)
	cfg.MaxMessageLength = envInt(env("MAX_MESSAGE_LENGTH", ""), 4000)
	cfg.SendRatePerSecond = envFloat(env("SEND_RATE_PER_SECOND", ""), 5)

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.Role {
	case RoleWebhook, RoleProcessor:
	default:
		errs = append(errs, fmt.Errorf("config: unknown HANDLER %q", c.Role))
	}
	switch c.RunMode {
	case RunLambda, RunLocal:
	default:
		errs = append(errs, fmt.Errorf("config: unknown RUN_MODE %q", c.RunMode))
	}
	switch c.StoreBackend {
	case BackendDynamoDB:
	case BackendMemory:
		if c.RunMode == RunLambda {
			errs = append(errs, errors.New("config: the memory backend cannot coordinate Lambda instances"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend))
	}
	// Conversation history lives in the table regardless of the state backend.
	if c.StateTable == "" {
		errs = append(errs, errors.New("config: STATE_TABLE is required"))
	}
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("config: PARAM_PREFIX is required"))
	}
	if c.RunMode == RunLambda && c.Role == RoleWebhook && c.ProcessorFunction == "" {
		errs = append(errs, errors.New("config: PROCESSOR_FUNCTION is required for the webhook in lambda mode"))
	}
	if c.LockTTL <= c.QuietPeriod {
		errs = append(errs, errors.New("config: LOCK_TTL must be longer than QUIET_PERIOD"))
	}
	return errs
}

func envInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(v string, def float64) float64 {
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func envDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}
