// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize   = 20
	maxMaxSessions       = 1000
	maxNavigationTimeout = 10 * time.Minute
	maxBlockedEstimate   = 64 << 20
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Rule lists. Non-empty lists replace the embedded defaults.
	BlockedCategories []string
	BlockedDomains    []string
	BlockedPaths      []string
	BlockedKeywords   []string
	RulesPath         string
	RulesHotReload    bool

	// Estimated bytes saved per aborted request, keyed by resource category.
	BlockedEstimates map[types.ResourceCategory]int64

	// Emulation
	DeviceProfile string
	MobileStrict  bool

	// Navigation
	NavigationTimeout time.Duration
	WaitPolicy        types.WaitPolicy

	// Browser settings
	Headless    bool
	BrowserPath string
	Stealth     bool

	// Pool and sessions
	BrowserPoolSize    int
	BrowserPoolTimeout time.Duration
	MaxSessions        int

	// Logging
	LogLevel string
	LogFile  string

	// Output
	OutputFormat string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int
}

// Load loads configuration from environment variables and an optional .env
// file in the working directory. Variables already set in the environment
// take precedence over the file.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("Failed to load .env file")
	}

	return &Config{
		BlockedCategories: getEnvStringSlice("BLOCKED_CATEGORIES", nil),
		BlockedDomains:    getEnvStringSlice("BLOCKED_DOMAINS", nil),
		BlockedPaths:      getEnvStringSlice("BLOCKED_PATHS", nil),
		BlockedKeywords:   getEnvStringSlice("BLOCKED_KEYWORDS", nil),
		RulesPath:         getEnvString("RULES_PATH", ""),
		RulesHotReload:    getEnvBool("RULES_HOT_RELOAD", false),

		BlockedEstimates: getEnvEstimates("BLOCKED_SIZE_ESTIMATES"),

		DeviceProfile: getEnvString("DEVICE_PROFILE", ""),
		MobileStrict:  getEnvBool("MOBILE_STRICT", false),

		NavigationTimeout: getEnvDuration("NAVIGATION_TIMEOUT", 30*time.Second),
		WaitPolicy:        types.WaitPolicy(getEnvString("LOAD_WAIT_POLICY", string(types.WaitNetworkIdle))),

		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),
		Stealth:     getEnvBool("STEALTH", false),

		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),
		MaxSessions:        getEnvInt("MAX_SESSIONS", 16),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogFile:  getEnvString("LOG_FILE", ""),

		OutputFormat: strings.ToLower(getEnvString("OUTPUT_FORMAT", OutputText)),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9464),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("Invalid pool size, using default 2")
		c.BrowserPoolSize = 2
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().
			Int("size", c.BrowserPoolSize).
			Int("max", maxBrowserPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	const minPoolTimeout = 1 * time.Second
	const maxPoolTimeout = 5 * time.Minute
	if c.BrowserPoolTimeout < minPoolTimeout {
		log.Warn().
			Dur("timeout", c.BrowserPoolTimeout).
			Dur("min", minPoolTimeout).
			Msg("Browser pool timeout too short, using minimum")
		c.BrowserPoolTimeout = minPoolTimeout
	} else if c.BrowserPoolTimeout > maxPoolTimeout {
		log.Warn().
			Dur("timeout", c.BrowserPoolTimeout).
			Dur("max", maxPoolTimeout).
			Msg("Browser pool timeout too long, using maximum")
		c.BrowserPoolTimeout = maxPoolTimeout
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 16")
		c.MaxSessions = 16
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}
	if c.MaxSessions < c.BrowserPoolSize {
		log.Warn().
			Int("max_sessions", c.MaxSessions).
			Int("pool_size", c.BrowserPoolSize).
			Msg("MAX_SESSIONS is below BROWSER_POOL_SIZE, some browsers will stay idle")
	}

	if c.NavigationTimeout < time.Second {
		log.Warn().Dur("timeout", c.NavigationTimeout).Msg("Navigation timeout too short, using 30s")
		c.NavigationTimeout = 30 * time.Second
	} else if c.NavigationTimeout > maxNavigationTimeout {
		log.Warn().
			Dur("timeout", c.NavigationTimeout).
			Dur("max", maxNavigationTimeout).
			Msg("Navigation timeout too high, capping to maximum")
		c.NavigationTimeout = maxNavigationTimeout
	}

	if p, ok := types.ParseWaitPolicy(string(c.WaitPolicy)); ok {
		c.WaitPolicy = p
	} else {
		log.Warn().Str("policy", string(c.WaitPolicy)).Msg("Invalid load wait policy, using networkIdle")
		c.WaitPolicy = types.WaitNetworkIdle
	}

	for cat, n := range c.BlockedEstimates {
		if n > maxBlockedEstimate {
			log.Warn().
				Str("category", string(cat)).
				Int64("bytes", n).
				Msg("Blocked size estimate too large, capping to maximum")
			c.BlockedEstimates[cat] = maxBlockedEstimate
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.OutputFormat != OutputText && c.OutputFormat != OutputJSON {
		log.Warn().Str("format", c.OutputFormat).Msg("Invalid output format, using 'text'")
		c.OutputFormat = OutputText
	}

	if c.PrometheusEnabled && (c.PrometheusPort < 1 || c.PrometheusPort > 65535) {
		log.Warn().Int("port", c.PrometheusPort).Msg("Invalid Prometheus port, using default 9464")
		c.PrometheusPort = 9464
	}

	if c.RulesHotReload && c.RulesPath == "" {
		log.Warn().Msg("RULES_HOT_RELOAD set without RULES_PATH, nothing to watch")
		c.RulesHotReload = false
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvEstimates parses "category=bytes" pairs such as "image=40000,font=25000".
// Malformed pairs are skipped with a warning.
func getEnvEstimates(key string) map[types.ResourceCategory]int64 {
	pairs := getEnvStringSlice(key, nil)
	if len(pairs) == 0 {
		return nil
	}

	out := make(map[types.ResourceCategory]int64, len(pairs))
	for _, pair := range pairs {
		name, size, ok := strings.Cut(pair, "=")
		cat, known := types.LookupCategory(strings.TrimSpace(name))
		n, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
		if !ok || !known || err != nil || n < 0 {
			log.Warn().
				Str("key", key).
				Str("value", pair).
				Msg("Invalid size estimate, skipping")
			continue
		}
		out[cat] = n
	}
	return out
}
