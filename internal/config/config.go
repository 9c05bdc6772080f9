package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/shopassist/internal/relay"
)

// ConfigFileEnv names the optional YAML overlay file.
const ConfigFileEnv = "SHOPASSIST_CONFIG_FILE"

// Config contains all runtime settings for the storefront assistant.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`

	AgentWSBaseURL    string `yaml:"agent_ws_base_url"`
	StorefrontBaseURL string `yaml:"storefront_base_url"`
	// HostOrigin is the only origin allowed to receive relayed UI commands.
	HostOrigin string `yaml:"host_origin"`
	CustomerID string `yaml:"customer_id"`
	Greeting   string `yaml:"greeting"`

	ContinuationDelay time.Duration `yaml:"continuation_delay"`
	UIGracePeriod     time.Duration `yaml:"ui_grace_period"`
	MicResumeIgnore   time.Duration `yaml:"mic_resume_ignore"`
	MaxTurnDefer      time.Duration `yaml:"max_turn_defer"`

	CaptureSampleRate     int    `yaml:"capture_sample_rate"`
	PlaybackSampleRate    int    `yaml:"playback_sample_rate"`
	AudioChunkBytes       int    `yaml:"audio_chunk_bytes"`
	PlaybackBufferSeconds int    `yaml:"playback_buffer_seconds"`
	AudioDumpDir          string `yaml:"audio_dump_dir"`
	// AudioBackend is auto, system or null.
	AudioBackend string `yaml:"audio_backend"`

	DatabaseURL string `yaml:"database_url"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	OTelTracing bool   `yaml:"otel_tracing"`
}

func defaults() Config {
	return Config{
		BindAddr:              "127.0.0.1:8090",
		ShutdownTimeout:       15 * time.Second,
		MetricsNamespace:      "shopassist",
		AgentWSBaseURL:        "ws://localhost:8000",
		StorefrontBaseURL:     "http://localhost:8000",
		HostOrigin:            "http://localhost:8000",
		CustomerID:            "123",
		Greeting:              "Hello, how can you assist me with gardening?",
		ContinuationDelay:     350 * time.Millisecond,
		UIGracePeriod:         3500 * time.Millisecond,
		MicResumeIgnore:       150 * time.Millisecond,
		MaxTurnDefer:          10 * time.Second,
		CaptureSampleRate:     16000,
		PlaybackSampleRate:    24000,
		AudioChunkBytes:       3200,
		PlaybackBufferSeconds: 180,
		AudioBackend:          "auto",
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load reads an optional .env file, then the optional YAML overlay named by
// SHOPASSIST_CONFIG_FILE, then environment variables. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path := stringsTrimSpace(ConfigFileEnv); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.AgentWSBaseURL = envOrDefault("AGENT_WS_BASE_URL", cfg.AgentWSBaseURL)
	cfg.StorefrontBaseURL = envOrDefault("STOREFRONT_BASE_URL", cfg.StorefrontBaseURL)
	cfg.HostOrigin = envOrDefault("HOST_ORIGIN", cfg.HostOrigin)
	cfg.CustomerID = envOrDefault("CUSTOMER_ID", cfg.CustomerID)
	cfg.Greeting = envOrDefault("GREETING_TEXT", cfg.Greeting)
	cfg.AudioDumpDir = envOrDefault("AUDIO_DUMP_DIR", cfg.AudioDumpDir)
	cfg.AudioBackend = strings.ToLower(envOrDefault("AUDIO_BACKEND", cfg.AudioBackend))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CONTINUATION_DELAY", &cfg.ContinuationDelay},
		{"UI_GRACE_PERIOD", &cfg.UIGracePeriod},
		{"MIC_RESUME_IGNORE", &cfg.MicResumeIgnore},
		{"MAX_TURN_DEFER", &cfg.MaxTurnDefer},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CAPTURE_SAMPLE_RATE", &cfg.CaptureSampleRate},
		{"PLAYBACK_SAMPLE_RATE", &cfg.PlaybackSampleRate},
		{"AUDIO_CHUNK_BYTES", &cfg.AudioChunkBytes},
		{"PLAYBACK_BUFFER_SECONDS", &cfg.PlaybackBufferSeconds},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}

	if cfg.OTelTracing, err = boolFromEnv("OTEL_TRACING", cfg.OTelTracing); err != nil {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func Validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.BindAddr) == "" {
		errs = append(errs, errors.New("APP_BIND_ADDR must not be empty"))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("APP_SHUTDOWN_TIMEOUT must be > 0"))
	}
	if err := checkURL(cfg.AgentWSBaseURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("AGENT_WS_BASE_URL must be a ws or wss URL: %w", err))
	}
	if err := checkURL(cfg.StorefrontBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("STOREFRONT_BASE_URL must be an http or https URL: %w", err))
	}
	if err := relay.ValidateOrigin(cfg.HostOrigin); err != nil {
		errs = append(errs, fmt.Errorf("HOST_ORIGIN must be an absolute http(s) origin: %w", err))
	}
	if strings.TrimSpace(cfg.CustomerID) == "" {
		errs = append(errs, errors.New("CUSTOMER_ID must not be empty"))
	}
	if cfg.ContinuationDelay <= 0 {
		errs = append(errs, errors.New("CONTINUATION_DELAY must be > 0"))
	}
	if cfg.UIGracePeriod <= 0 {
		errs = append(errs, errors.New("UI_GRACE_PERIOD must be > 0"))
	}
	if cfg.MicResumeIgnore < 0 {
		errs = append(errs, errors.New("MIC_RESUME_IGNORE must be >= 0"))
	}
	if cfg.MaxTurnDefer < cfg.UIGracePeriod {
		errs = append(errs, errors.New("MAX_TURN_DEFER must be >= UI_GRACE_PERIOD"))
	}
	if cfg.CaptureSampleRate <= 0 {
		errs = append(errs, errors.New("CAPTURE_SAMPLE_RATE must be > 0"))
	}
	if cfg.PlaybackSampleRate <= 0 {
		errs = append(errs, errors.New("PLAYBACK_SAMPLE_RATE must be > 0"))
	}
	if cfg.AudioChunkBytes <= 0 || cfg.AudioChunkBytes%2 != 0 {
		errs = append(errs, errors.New("AUDIO_CHUNK_BYTES must be a positive even number"))
	}
	if cfg.PlaybackBufferSeconds <= 0 {
		errs = append(errs, errors.New("PLAYBACK_BUFFER_SECONDS must be > 0"))
	}
	switch cfg.AudioBackend {
	case "auto", "system", "null":
	default:
		errs = append(errs, fmt.Errorf("AUDIO_BACKEND must be one of auto, system, null; got %q", cfg.AudioBackend))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", cfg.LogLevel))
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json; got %q", cfg.LogFormat))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("got %q", raw)
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
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
