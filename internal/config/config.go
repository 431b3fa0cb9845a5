package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath           string
	PatternStorePath string

	HTTPAddr         string
	NotifyWebhookURL string

	DefaultCurrency string

	GeminiAPIKey  string
	GeminiModel   string
	AIEnabled     bool
	AIMaxPages    int
	AIMaxParallel int
	AIRateRPS     int
	AITimeoutMs   int

	SheetsAPIKey    string
	SheetsTimeoutMs int

	AutoAcceptConfidence float64
	FuzzySimilarityMin   float64
	HeaderScanRows       int
	HeaderMinMatches     int

	SessionTTLMin int
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:           getEnv("DB_PATH", filepath.Join(cwd, "data", "priceflow.db")),
		PatternStorePath: getEnv("PATTERN_STORE_PATH", filepath.Join(cwd, "data", "parser_feedback.json")),

		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),

		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "THB"),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		AIEnabled:     getEnvBool("AI_FALLBACK_ENABLED", true),
		AIMaxPages:    getEnvInt("AI_MAX_PAGES", 5),
		AIMaxParallel: getEnvInt("AI_MAX_PARALLEL", 2),
		AIRateRPS:     getEnvInt("AI_RATE_LIMIT_RPS", 2),
		AITimeoutMs:   getEnvInt("AI_TIMEOUT_MS", 60000),

		SheetsAPIKey:    getEnv("SHEETS_API_KEY", ""),
		SheetsTimeoutMs: getEnvInt("SHEETS_TIMEOUT_MS", 30000),

		AutoAcceptConfidence: getEnvFloat("AUTO_ACCEPT_CONFIDENCE", 0.5),
		FuzzySimilarityMin:   getEnvFloat("FUZZY_SIMILARITY_MIN", 0.6),
		HeaderScanRows:       getEnvInt("HEADER_SCAN_ROWS", 10),
		HeaderMinMatches:     getEnvInt("HEADER_MIN_MATCHES", 3),

		SessionTTLMin: getEnvInt("SESSION_TTL_MIN", 30),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
