package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr         string
	TrustProxy         bool     // take the client id from X-Forwarded-For / X-Real-IP
	MaxBodyBytes       int64    // bytes of request body read for inspection
	MaxInspectBytes    int      // per-surface match cap
	ForwardDestination string   // upstream for reverse-proxy mode; empty serves the API only
	Outputs            []string // enabled sinks: log, kafka, postgres
	AllowedOrigins     []string

	PatternsFile   string // optional YAML catalog
	BlockThreshold float64
	TaintThreshold float64

	BehaviorMaxClients int
	BehaviorIdleTTL    time.Duration
	SweepInterval      time.Duration

	RateLimitStore string // memory or redis
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	LogLevel  string
	LogFormat string // json or console
	SelfTest  bool
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

// getDuration accepts Go durations ("30m") or plain seconds ("1800")
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func Load() Config {
	return Config{
		ServerAddr:         getOr("SERVER_ADDR", ":8088"),
		TrustProxy:         getBool("TRUST_PROXY", false),
		MaxBodyBytes:       getInt64("MAX_BODY_BYTES", 1<<20), // 1 MiB default
		MaxInspectBytes:    int(getInt64("MAX_INSPECT_BYTES", 64<<10)),
		ForwardDestination: getOr("FORWARD_DESTINATION", ""),
		Outputs:            getStringSlice("OUTPUTS", "log"), // default to log only
		AllowedOrigins:     getStringSlice("ALLOWED_ORIGINS", "http://localhost:3000"),

		PatternsFile:   getOr("PATTERNS_FILE", ""),
		BlockThreshold: getFloat("BLOCK_THRESHOLD", 0.7),
		TaintThreshold: getFloat("TAINT_THRESHOLD", 0.8),

		BehaviorMaxClients: int(getInt64("BEHAVIOR_MAX_CLIENTS", 100_000)),
		BehaviorIdleTTL:    getDuration("BEHAVIOR_IDLE_TTL", 30*time.Minute),
		SweepInterval:      getDuration("SWEEP_INTERVAL", time.Minute),

		RateLimitStore: strings.ToLower(getOr("RATE_LIMIT_STORE", "memory")),
		RedisAddr:      getOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getOr("REDIS_PASSWORD", ""),
		RedisDB:        int(getInt64("REDIS_DB", 0)),

		LogLevel:  getOr("LOG_LEVEL", "info"),
		LogFormat: getOr("LOG_FORMAT", "json"),
		SelfTest:  getBool("SELF_TEST", false),
	}
}
