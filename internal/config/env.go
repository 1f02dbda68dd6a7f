package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultSystemPrompt = "You are a compassionate recovery coach supporting someone working to overcome " +
	"compulsive behavior. Be warm but direct. Ground your advice in the user's own history when it is " +
	"provided, acknowledge setbacks without judgment, and always encourage concrete next steps. Never " +
	"shame the user and never provide content that could act as a trigger."

const defaultEmergencyPrompt = " The user has flagged this conversation as an emergency: they are " +
	"experiencing strong urges right now. Prioritize immediate, practical coping strategies (leave the " +
	"room, cold water, call someone, breathing exercises) before any longer-term reflection. Keep the " +
	"response short and actionable."

type Config struct {
	DatabaseURL string
	JWTSecret   string
	Port        string

	AIAPIKey        string
	GenModel        string
	Temperature     float64
	MaxOutputTokens int

	RateLimitCeiling int
	RateLimitWindow  time.Duration
	RateLimitTxWait  time.Duration

	MaxMessageLen       int
	CheckInContextLimit int
	RelapseContextLimit int
	MessageContextLimit int

	DefaultSystemPrompt     string
	EmergencyPromptAddition string
}

// LoadConfig loads the environment variables and returns config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		Port:        getEnv("PORT", "8080"),

		AIAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GenModel:        getEnv("GEN_MODEL", "gemini-1.5-flash"),
		Temperature:     getEnvFloat("GEN_TEMPERATURE", 0.7),
		MaxOutputTokens: getEnvInt("GEN_MAX_TOKENS", 1024),

		RateLimitCeiling: getEnvInt("RATE_LIMIT_CEILING", 10),
		RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		RateLimitTxWait:  getEnvDuration("RATE_LIMIT_TX_WAIT", 2*time.Second),

		MaxMessageLen:       getEnvInt("MAX_MESSAGE_LEN", 2000),
		CheckInContextLimit: getEnvInt("CHECKIN_CONTEXT_LIMIT", 5),
		RelapseContextLimit: getEnvInt("RELAPSE_CONTEXT_LIMIT", 5),
		MessageContextLimit: getEnvInt("MESSAGE_CONTEXT_LIMIT", 10),

		DefaultSystemPrompt:     getEnv("DEFAULT_SYSTEM_PROMPT", defaultSystemPrompt),
		EmergencyPromptAddition: getEnv("EMERGENCY_PROMPT_ADDITION", defaultEmergencyPrompt),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a float, using default %g", key, v, def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}
