package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/shellie/pkg/classroom"
)

type LocationMode string

const (
	LocationDenied LocationMode = "denied"
	LocationStatic LocationMode = "static"
	LocationIP     LocationMode = "ip"
)

// DashboardDisabled turns the teacher dashboard off when used as its address.
const DashboardDisabled = "off"

type Config struct {
	GeminiAPIKey string
	Model        string

	Voice   string
	Student string

	LogLevel  string
	LogFormat string

	// Session timing.
	TerminationGrace time.Duration
	ConnectTimeout   time.Duration

	// Tool backends.
	LocationMode    LocationMode
	Latitude        float64
	Longitude       float64
	LocateTimeout   time.Duration
	IPLocateBaseURL string
	WeatherBaseURL  string
	ToolHTTPTimeout time.Duration

	// Report storage. Empty RedisURL keeps reports in memory; empty
	// DatabaseURL disables archiving.
	RedisURL    string
	RedisKey    string
	DatabaseURL string

	ManifestPath string

	// Teacher dashboard.
	DashboardAddr       string
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:        envOr("GEMINI_API_KEY", os.Getenv("API_KEY")),
		Model:               envOr("SHELLIE_MODEL", "gemini-2.5-flash-native-audio-preview-12-2025"),
		Voice:               envOr("SHELLIE_VOICE", classroom.DefaultVoice),
		Student:             envOr("SHELLIE_STUDENT", ""),
		LogLevel:            strings.ToLower(envOr("SHELLIE_LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOr("SHELLIE_LOG_FORMAT", "text")),
		TerminationGrace:    envDurationOr("SHELLIE_TERMINATION_GRACE", 1500*time.Millisecond),
		ConnectTimeout:      envDurationOr("SHELLIE_CONNECT_TIMEOUT", 15*time.Second),
		LocationMode:        LocationMode(strings.ToLower(envOr("SHELLIE_LOCATION", string(LocationDenied)))),
		Latitude:            envFloat64Or("SHELLIE_LATITUDE", 0),
		Longitude:           envFloat64Or("SHELLIE_LONGITUDE", 0),
		LocateTimeout:       envDurationOr("SHELLIE_LOCATE_TIMEOUT", 5*time.Second),
		IPLocateBaseURL:     envOr("SHELLIE_IP_LOCATE_BASE_URL", "http://ip-api.com"),
		WeatherBaseURL:      envOr("SHELLIE_WEATHER_BASE_URL", "https://api.open-meteo.com"),
		ToolHTTPTimeout:     envDurationOr("SHELLIE_TOOL_HTTP_TIMEOUT", 10*time.Second),
		RedisURL:            envOr("SHELLIE_REDIS_URL", ""),
		RedisKey:            envOr("SHELLIE_REDIS_KEY", "shellie:reports"),
		DatabaseURL:         envOr("SHELLIE_DATABASE_URL", ""),
		ManifestPath:        envOr("SHELLIE_MANIFEST", ""),
		DashboardAddr:       envOr("SHELLIE_DASHBOARD_ADDR", "127.0.0.1:8090"),
		WSPingInterval:      envDurationOr("SHELLIE_DASHBOARD_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("SHELLIE_DASHBOARD_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("SHELLIE_DASHBOARD_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("SHELLIE_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	voice, ok := classroom.ValidVoice(cfg.Voice)
	if !ok {
		return Config{}, fmt.Errorf("SHELLIE_VOICE %q is not a known voice", cfg.Voice)
	}
	cfg.Voice = voice

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("SHELLIE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("SHELLIE_LOG_FORMAT must be one of text|json")
	}

	if cfg.TerminationGrace < 0 {
		return Config{}, fmt.Errorf("SHELLIE_TERMINATION_GRACE must be >= 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_CONNECT_TIMEOUT must be > 0")
	}

	switch cfg.LocationMode {
	case LocationDenied, LocationIP:
	case LocationStatic:
		if cfg.Latitude < -90 || cfg.Latitude > 90 {
			return Config{}, fmt.Errorf("SHELLIE_LATITUDE must be within [-90, 90]")
		}
		if cfg.Longitude < -180 || cfg.Longitude > 180 {
			return Config{}, fmt.Errorf("SHELLIE_LONGITUDE must be within [-180, 180]")
		}
	default:
		return Config{}, fmt.Errorf("SHELLIE_LOCATION must be one of denied|static|ip")
	}
	if cfg.LocateTimeout <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_LOCATE_TIMEOUT must be > 0")
	}
	if cfg.ToolHTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_TOOL_HTTP_TIMEOUT must be > 0")
	}

	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_DASHBOARD_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_DASHBOARD_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_DASHBOARD_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SHELLIE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// DashboardEnabled reports whether the dashboard should listen.
func (c Config) DashboardEnabled() bool {
	return c.DashboardAddr != "" && !strings.EqualFold(c.DashboardAddr, DashboardDisabled)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
