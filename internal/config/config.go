// Package config handles daemon configuration
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr string
	LogLevel string
	DataDir  string

	// Sync backend (lecture documents, auth, live feed)
	SyncBaseURL string
	SyncWSURL   string

	// Blob storage
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
	SignedURLTTL   time.Duration

	// Capture
	SampleRate  int
	Channels    int
	MeterRateHz float64
	FFmpegPath  string

	// Upload pipeline
	MaxUploadBytes      int64
	MaxRecordingMinutes float64
	StuckSummaryTTL     time.Duration
	SweepInterval       time.Duration

	// Telemetry export (empty URL disables the exporter)
	TelemetryURL           string
	TelemetryFlushInterval time.Duration
	TelemetryBatchSize     int
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8787"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DataDir:  getEnv("DATA_DIR", defaultDataDir()),

		SyncBaseURL: getEnv("SYNC_BASE_URL", "http://localhost:8080"),
		SyncWSURL:   getEnv("SYNC_WS_URL", "ws://localhost:8080"),

		SupabaseURL:    getEnv("SUPABASE_URL", ""),
		SupabaseKey:    getEnv("SUPABASE_KEY", ""),
		SupabaseBucket: getEnv("SUPABASE_BUCKET", "lectures"),
		SignedURLTTL:   getEnvDuration("SIGNED_URL_TTL", 15*time.Minute),

		SampleRate:  getEnvInt("SAMPLE_RATE", 44100),
		Channels:    getEnvInt("CHANNELS", 1),
		MeterRateHz: getEnvFloat("METER_RATE_HZ", 8.0),
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),

		MaxUploadBytes:      getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
		MaxRecordingMinutes: getEnvFloat("MAX_RECORDING_MINUTES", 240),
		StuckSummaryTTL:     getEnvDuration("STUCK_SUMMARY_TTL", 15*time.Minute),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Minute),

		TelemetryURL:           getEnv("TELEMETRY_URL", ""),
		TelemetryFlushInterval: getEnvDuration("TELEMETRY_FLUSH_INTERVAL", 10*time.Second),
		TelemetryBatchSize:     getEnvInt("TELEMETRY_BATCH_SIZE", 32),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".lectern")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
