// Package config loads settings for the relay server and the sync client from
// the environment, with an optional .env file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends for room state.
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Server holds the relay server configuration
type Server struct {
	Port            string
	JWTSecret       string
	TokenTTL        time.Duration
	Store           string
	MongoURI        string
	MongoDatabase   string
	LeaseTTL        time.Duration
	RoomIdleTTL     time.Duration
	CleanupInterval time.Duration
}

// Client holds the sync client configuration
type Client struct {
	RelayURL          string
	Room              string
	Name              string
	MemberID          string
	SyncThreshold     float64
	DriftInterval     time.Duration
	SuppressionWindow time.Duration
	VolumeDebounce    time.Duration
	TrackEndEpsilon   float64
	LeaseTTL          time.Duration
	ClockSamples      int

	ReconnectInitial    time.Duration
	ReconnectMultiplier float64
	ReconnectMax        time.Duration
	ReconnectAttempts   int
}

// Load reads .env if present. A missing file is not an error.
func Load() {
	_ = godotenv.Load()
}

// LoadServer loads the relay configuration from environment variables or defaults
func LoadServer() *Server {
	Load()
	return &Server{
		Port:            getEnv("PORT", "8080"),
		JWTSecret:       getEnv("JWT_SECRET", "change-me"),
		TokenTTL:        getDuration("TOKEN_TTL", 24*time.Hour),
		Store:           getEnv("STORE", StoreMemory),
		MongoURI:        getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "djsync"),
		LeaseTTL:        getDuration("LEASE_TTL", 15*time.Second),
		RoomIdleTTL:     getDuration("ROOM_IDLE_TTL", 6*time.Hour),
		CleanupInterval: getDuration("CLEANUP_INTERVAL", 30*time.Minute),
	}
}

// LoadClient loads the sync client configuration from environment variables or defaults
func LoadClient() *Client {
	Load()
	return &Client{
		RelayURL:          getEnv("RELAY_URL", "http://localhost:8080"),
		Room:              getEnv("ROOM", "lobby"),
		Name:              getEnv("MEMBER_NAME", "listener"),
		MemberID:          getEnv("MEMBER_ID", ""),
		SyncThreshold:     getFloat("SYNC_THRESHOLD", 0.2),
		DriftInterval:     getDuration("DRIFT_INTERVAL", 100*time.Millisecond),
		SuppressionWindow: getDuration("SUPPRESSION_WINDOW", 100*time.Millisecond),
		VolumeDebounce:    getDuration("VOLUME_DEBOUNCE", 150*time.Millisecond),
		TrackEndEpsilon:   getFloat("TRACK_END_EPSILON", 0.25),
		LeaseTTL:          getDuration("LEASE_TTL", 15*time.Second),
		ClockSamples:      getInt("CLOCK_SAMPLES", 5),

		ReconnectInitial:    getDuration("RECONNECT_INITIAL", time.Second),
		ReconnectMultiplier: getFloat("RECONNECT_MULTIPLIER", 2),
		ReconnectMax:        getDuration("RECONNECT_MAX", 10*time.Second),
		ReconnectAttempts:   getInt("RECONNECT_ATTEMPTS", 5),
	}
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil && i > 0 {
		return i
	}
	return defaultValue
}
