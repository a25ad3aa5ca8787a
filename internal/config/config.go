// Package config loads process configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server configures the rendezvous server process.
type Server struct {
	ListenAddr string
}

// Client configures a connecting game process.
type Client struct {
	ServerURL       string
	PlayerName      string
	ICEServers      []string
	GatherTimeout   time.Duration
	IncludeLoopback bool
}

// LoadServer reads server settings. A missing .env file is not an error;
// explicit environment variables always win.
func LoadServer() (Server, error) {
	_ = godotenv.Load()

	return Server{
		ListenAddr: getString("LISTEN_ADDR", ":8080"),
	}, nil
}

// LoadClient reads client settings.
func LoadClient() (Client, error) {
	_ = godotenv.Load()

	gather, err := getDuration("ICE_GATHER_TIMEOUT", 15*time.Second)
	if err != nil {
		return Client{}, err
	}
	loopback, err := getBool("ICE_INCLUDE_LOOPBACK", false)
	if err != nil {
		return Client{}, err
	}

	return Client{
		ServerURL:       getString("SERVER_URL", "ws://localhost:8080/ws"),
		PlayerName:      getString("PLAYER_NAME", ""),
		ICEServers:      getList("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		GatherTimeout:   gather,
		IncludeLoopback: loopback,
	}, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return b, nil
}
