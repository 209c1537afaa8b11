package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, loaded from the environment with
// an optional .env file for development.
type Config struct {
	ListenAddr string

	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	MasterSecret string
	Timezone     string

	DirectoryURL string
	NotifierURL  string
	ServiceName  string
	ServiceKey   string

	DispatchMode      string
	DispatchThreshold float64
	BatchAlgorithm    string
	OptimizerSeed     int64

	APIRateLimit  int
	APIRateWindow time.Duration

	WebhookSecret     string
	WebhookRetryEvery time.Duration

	SweepInterval  time.Duration
	MaxWaitMinutes int

	CORSOrigins []string
}

// LoadConfig reads the environment. Missing values fall back to dev
// defaults; only the master secret is required.
func LoadConfig() Config {
	if err := godotenv.Load(); err == nil {
		log.Println("[CONFIG] loaded .env")
	}

	cfg := Config{
		ListenAddr:        envStr("LISTEN_ADDR", ":8080"),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		RedisAddr:         envStr("REDIS_ADDR", "localhost:6379"),
		RedisDB:           envInt("REDIS_DB", 0),
		MasterSecret:      os.Getenv("MASTER_SECRET"),
		Timezone:          envStr("TIMEZONE", "Asia/Tashkent"),
		DirectoryURL:      envStr("DIRECTORY_URL", "http://localhost:8081"),
		NotifierURL:       os.Getenv("NOTIFIER_URL"),
		ServiceName:       envStr("SERVICE_NAME", "dispatch-core"),
		ServiceKey:        os.Getenv("SERVICE_KEY"),
		DispatchMode:      envStr("DISPATCH_MODE", "auto_assign"),
		DispatchThreshold: envFloat("DISPATCH_THRESHOLD", 0.6),
		BatchAlgorithm:    envStr("BATCH_ALGORITHM", "hybrid"),
		OptimizerSeed:     int64(envInt("OPTIMIZER_SEED", 1)),
		APIRateLimit:      envInt("API_RATE_LIMIT", 120),
		APIRateWindow:     envDur("API_RATE_WINDOW", time.Minute),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		WebhookRetryEvery: envDur("WEBHOOK_RETRY_INTERVAL", 30*time.Second),
		SweepInterval:     envDur("SWEEP_INTERVAL", time.Minute),
		MaxWaitMinutes:    envInt("MAX_WAIT_MINUTES", 30),
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitCSV(origins)
	}
	if cfg.MasterSecret == "" {
		log.Fatal("[CONFIG] MASTER_SECRET is required")
	}
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[CONFIG] invalid %s=%q, using %d", key, v, def)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("[CONFIG] invalid %s=%q, using %g", key, v, def)
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("[CONFIG] invalid %s=%q, using %s", key, v, def)
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
