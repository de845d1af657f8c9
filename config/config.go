// Package config handles runtime configuration for the capture daemon.
//
// Only deployment concerns live here (endpoints, socket paths, audio
// constants). Hotkey combinations and the auth token are pushed by the host
// process over the local IPC channel and never touch the environment or disk.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents the daemon configuration.
type Config struct {
	// ServerURL is the WebSocket endpoint of the remote recognizer.
	ServerURL string

	// SocketPath is the unix socket of the host process for local IPC.
	SocketPath string

	// MetricsAddr is the listen address for the prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddr string

	// SampleRate is the canonical capture rate in Hz (mono, s16le).
	SampleRate int

	// Gain scales the RMS volume estimate published per frame.
	Gain float64

	// PacketsPerPage is the Opus packet batch size for one Ogg page.
	PacketsPerPage int
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory. Missing values fall back to defaults.
func Load() *Config {
	// Best effort: a missing .env just means plain environment lookups.
	_ = godotenv.Load()

	return &Config{
		ServerURL:      getEnv("ONESEC_SERVER_URL", "wss://127.0.0.1:17443/stream"),
		SocketPath:     getEnv("ONESEC_SOCKET_PATH", "/tmp/onesec-host.sock"),
		MetricsAddr:    getEnv("ONESEC_METRICS_ADDR", ""),
		SampleRate:     getEnvInt("ONESEC_SAMPLE_RATE", 16000),
		Gain:           getEnvFloat("ONESEC_VOLUME_GAIN", 4.0),
		PacketsPerPage: getEnvInt("ONESEC_PACKETS_PER_PAGE", 10),
	}
}

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}
