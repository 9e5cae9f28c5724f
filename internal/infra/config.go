package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv               string
	LogLevel             string
	Port                 string
	DatabaseURL          string
	JWTSecret            string
	BillingWebhookSecret string
	StoragePath          string
	StorageBaseURL       string
	StorageSigningKey    string
	SignedURLTTL         time.Duration
	AIBaseURL            string
	AIAPIKey             string
	SafetyBlocklist      []string
	SafetyKidsBlocklist  []string
	ItemTimeout          time.Duration
	ItemMaxAttempts      int
	RetryBaseDelay       time.Duration
	WorkerConcurrency    int
	WorkerPollInterval   time.Duration
	EmbeddedWorkers      bool
	JobStuckAfter        time.Duration
	ReaperInterval       time.Duration
	RenewalInterval      time.Duration
	MaxJobItems          int
	PricingFile          string
	Pricing              domain.Pricing
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
	HTTPIdleTimeout      time.Duration
	RateLimitPerMin      int
	CORSAllowedOrigins   []string
}

// LoadConfig loads configuration from the environment (and optional .env
// files) and applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		Port:                 port,
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		BillingWebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),
		StoragePath:          getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:       getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		StorageSigningKey:    os.Getenv("STORAGE_SIGNING_KEY"),
		SignedURLTTL:         getEnvDuration("SIGNED_URL_TTL", time.Hour),
		AIBaseURL:            strings.TrimRight(os.Getenv("AI_BASE_URL"), "/"),
		AIAPIKey:             os.Getenv("AI_API_KEY"),
		SafetyBlocklist:      splitList(os.Getenv("SAFETY_BLOCKLIST")),
		SafetyKidsBlocklist:  splitList(getEnv("SAFETY_KIDS_BLOCKLIST", "blood,gore,weapon,horror")),
		ItemTimeout:          getEnvDuration("ITEM_TIMEOUT", 90*time.Second),
		ItemMaxAttempts:      getEnvInt("ITEM_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", 2*time.Second),
		WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerPollInterval:   getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		EmbeddedWorkers:      getEnvBool("EMBEDDED_WORKERS", false),
		JobStuckAfter:        getEnvDuration("JOB_STUCK_AFTER", 30*time.Minute),
		ReaperInterval:       getEnvDuration("REAPER_INTERVAL", time.Minute),
		RenewalInterval:      getEnvDuration("RENEWAL_INTERVAL", 15*time.Minute),
		MaxJobItems:          getEnvInt("MAX_JOB_ITEMS", 100),
		PricingFile:          os.Getenv("PRICING_FILE"),
		Pricing:              domain.DefaultPricing(),
		HTTPReadTimeout:      time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:     time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:      time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:      getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		CORSAllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.StorageSigningKey == "" {
		cfg.StorageSigningKey = cfg.JWTSecret
	}

	if cfg.ItemMaxAttempts < 1 {
		cfg.ItemMaxAttempts = 1
	}

	if cfg.PricingFile != "" {
		pricing, err := LoadPricing(cfg.PricingFile)
		if err != nil {
			return nil, err
		}
		cfg.Pricing = domain.DefaultPricing().Merge(pricing)
	}

	return cfg, nil
}

// LoadPricing decodes a TOML pricing file such as:
//
//	[item_cost]
//	generation = 12
//	export = 2
//
//	[allowances]
//	pro = 1000
func LoadPricing(path string) (domain.Pricing, error) {
	var pricing domain.Pricing
	meta, err := toml.DecodeFile(path, &pricing)
	if err != nil {
		return domain.Pricing{}, fmt.Errorf("load pricing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return domain.Pricing{}, fmt.Errorf("load pricing %s: unknown keys %v", path, undecoded)
	}
	for jobType, cost := range pricing.ItemCost {
		if !jobType.Valid() {
			return domain.Pricing{}, fmt.Errorf("load pricing %s: unknown job type %q", path, jobType)
		}
		if cost < 0 {
			return domain.Pricing{}, fmt.Errorf("load pricing %s: negative cost for %q", path, jobType)
		}
	}
	return pricing, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
