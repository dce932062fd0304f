// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Engine kinds.
const (
	EngineSynthetic = "synthetic"
	EnginePFC       = "pfc"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host               string
	Port               int
	SendAck            bool
	MaxRequestBytes    int64
	RequestReadTimeout time.Duration // Request delivery only; never the simulation.

	// History artifact.
	ArtifactPath string
	StressFactor float64 // Native stress → reported stress. Pa → MPa by default.
	SignedSeries bool    // Report signed values instead of magnitudes.

	// Engine settings.
	Engine           string // "synthetic" or "pfc".
	PFCBridgeAddr    string // host:port of the bridge listener inside PFC.
	PFCModelDir      string // Directory holding the FISH scripts.
	PFCDialRetries   int
	PFCDialBaseDelay time.Duration

	// Loading procedure.
	WallVelocity float64
	PeakFraction float64
	MaxStrain    float64
	WarmupCycles int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported rather than silently replaced by defaults.
func Load() (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("config: working directory: %w", err)
	}

	var errs []error
	str := envStr
	i := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	f := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	b := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	d := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Host:               str("SHIKEN_HOST", "127.0.0.1"),
		Port:               i("SHIKEN_PORT", 50002),
		SendAck:            b("SHIKEN_SEND_ACK", true),
		MaxRequestBytes:    int64(i("SHIKEN_MAX_REQUEST_BYTES", 1*1024*1024)), // 1 MB default
		RequestReadTimeout: d("SHIKEN_REQUEST_READ_TIMEOUT", 30*time.Second),
		ArtifactPath:       str("SHIKEN_ARTIFACT_PATH", filepath.Join(cwd, "temp_server_history.txt")),
		StressFactor:       f("SHIKEN_STRESS_FACTOR", 1e-6),
		SignedSeries:       b("SHIKEN_SIGNED_SERIES", false),
		Engine:             str("SHIKEN_ENGINE", EngineSynthetic),
		PFCBridgeAddr:      str("SHIKEN_PFC_BRIDGE_ADDR", "127.0.0.1:50100"),
		PFCModelDir:        str("SHIKEN_PFC_MODEL_DIR", filepath.Join(cwd, "pfc_model")),
		PFCDialRetries:     i("SHIKEN_PFC_DIAL_RETRIES", 5),
		PFCDialBaseDelay:   d("SHIKEN_PFC_DIAL_BASE_DELAY", 500*time.Millisecond),
		WallVelocity:       f("SHIKEN_WALL_VELOCITY", 0.05),
		PeakFraction:       f("SHIKEN_PEAK_FRACTION", 0.7),
		MaxStrain:          f("SHIKEN_MAX_AXIAL_STRAIN", 0.05),
		WarmupCycles:       i("SHIKEN_WARMUP_CYCLES", 1000),
		OTELEndpoint:       str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        str("OTEL_SERVICE_NAME", "shiken"),
		OTELInsecure:       b("SHIKEN_OTEL_INSECURE", false),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: SHIKEN_PORT must be in 1..65535")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("config: SHIKEN_MAX_REQUEST_BYTES must be positive")
	}
	if c.RequestReadTimeout < 0 {
		return fmt.Errorf("config: SHIKEN_REQUEST_READ_TIMEOUT must not be negative")
	}
	if c.ArtifactPath == "" {
		return fmt.Errorf("config: SHIKEN_ARTIFACT_PATH is required")
	}
	if c.StressFactor <= 0 {
		return fmt.Errorf("config: SHIKEN_STRESS_FACTOR must be positive")
	}
	switch c.Engine {
	case EngineSynthetic:
	case EnginePFC:
		if c.PFCBridgeAddr == "" {
			return fmt.Errorf("config: SHIKEN_PFC_BRIDGE_ADDR is required for the pfc engine")
		}
	default:
		return fmt.Errorf("config: SHIKEN_ENGINE must be %q or %q, got %q", EngineSynthetic, EnginePFC, c.Engine)
	}
	if c.WallVelocity <= 0 {
		return fmt.Errorf("config: SHIKEN_WALL_VELOCITY must be positive")
	}
	if c.PeakFraction <= 0 || c.PeakFraction >= 1 {
		return fmt.Errorf("config: SHIKEN_PEAK_FRACTION must be in (0,1)")
	}
	if c.MaxStrain <= 0 {
		return fmt.Errorf("config: SHIKEN_MAX_AXIAL_STRAIN must be positive")
	}
	if c.WarmupCycles <= 0 {
		return fmt.Errorf("config: SHIKEN_WARMUP_CYCLES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
