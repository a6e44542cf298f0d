package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting services.
type Config struct {
	DBDriver             string
	MySQLDSN             string
	SQLitePath           string
	HTTPListenAddr       string
	PublicBaseURL        string
	CORSAllowedOrigins   []string
	LogLevel             string
	RequestTimeout       time.Duration
	WebhookTimeout       time.Duration
	PricingFile          string
	AuthMode             string
	JWTSecret            string
	JWTIssuer            string
	OIDCIssuerURL        string
	OIDCClientID         string
	AdminEmails          []string
	DefaultGateway       string
	StripeSecretKey      string
	StripeWebhookSecret  string
	MidtransServerKey    string
	MidtransProduction   bool
	MidtransCurrency     string
	MidtransPaymentTypes []string
	EmailProvider        string
	EmailFrom            string
	SendGridAPIKey       string
	SMTPHost             string
	SMTPPort             int
	SMTPUsername         string
	SMTPPassword         string
	TelegramBotToken     string
	TelegramAdminChatID  int64
	S3Endpoint           string
	S3Region             string
	S3AccessKey          string
	S3SecretKey          string
	S3Bucket             string
	S3PublicBaseURL      string
	S3UsePathStyle       bool
	S3Prefix             string
	OutboxPollInterval   time.Duration
	OutboxMaxAttempts    int
	OutboxConcurrency    int
	CacheTTL             time.Duration
	ConfirmMaxAttempts   int
	Providers            map[string]ProviderConfig
}

// ProviderConfig holds credentials for one AI provider kind.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

var providerDefaults = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"anthropic": "https://api.anthropic.com/v1",
	"mistral":   "https://api.mistral.ai/v1",
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver:             strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		MySQLDSN:             os.Getenv("MYSQL_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", filepath.Join("data", "promptor.db")),
		HTTPListenAddr:       getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:        strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RequestTimeout:       time.Second * time.Duration(getInt("REQUEST_TIMEOUT_SECONDS", 20)),
		WebhookTimeout:       time.Second * time.Duration(getInt("WEBHOOK_TIMEOUT_SECONDS", 60)),
		PricingFile:          getEnv("PRICING_FILE", filepath.Join("configs", "pricing.yaml")),
		AuthMode:             strings.ToLower(getEnv("AUTH_MODE", "jwt")),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            os.Getenv("JWT_ISSUER"),
		OIDCIssuerURL:        os.Getenv("OIDC_ISSUER_URL"),
		OIDCClientID:         os.Getenv("OIDC_CLIENT_ID"),
		AdminEmails:          getList("ADMIN_EMAILS"),
		DefaultGateway:       strings.ToLower(getEnv("DEFAULT_GATEWAY", "stripe")),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		MidtransServerKey:    os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransProduction:   getBool("MIDTRANS_PRODUCTION", false),
		MidtransCurrency:     strings.ToUpper(getEnv("MIDTRANS_CURRENCY", "IDR")),
		MidtransPaymentTypes: getList("MIDTRANS_PAYMENT_TYPES"),
		EmailProvider:        strings.ToLower(getEnv("EMAIL_PROVIDER", "none")),
		EmailFrom:            getEnv("EMAIL_FROM", "billing@promptor.local"),
		SendGridAPIKey:       os.Getenv("SENDGRID_API_KEY"),
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPPort:             getInt("SMTP_PORT", 587),
		SMTPUsername:         os.Getenv("SMTP_USERNAME"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAdminChatID:  getInt64("TELEGRAM_ADMIN_CHAT_ID", 0),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3Region:             os.Getenv("S3_REGION"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:      os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:       getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:             getEnv("S3_PREFIX", "receipts"),
		OutboxPollInterval:   getDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxMaxAttempts:    getInt("OUTBOX_MAX_ATTEMPTS", 8),
		OutboxConcurrency:    getInt("OUTBOX_CONCURRENCY", 4),
		CacheTTL:             time.Second * time.Duration(getInt("CACHE_TTL_SECONDS", 60)),
		ConfirmMaxAttempts:   getInt("CONFIRM_MAX_ATTEMPTS", 3),
		Providers:            map[string]ProviderConfig{},
	}

	for kind, base := range providerDefaults {
		prefix := "PROVIDER_" + strings.ToUpper(kind)
		key := os.Getenv(prefix + "_API_KEY")
		if key == "" {
			continue
		}
		cfg.Providers[kind] = ProviderConfig{
			APIKey:  key,
			BaseURL: strings.TrimRight(getEnv(prefix+"_BASE_URL", base), "/"),
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	switch c.DBDriver {
	case "mysql":
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	switch c.AuthMode {
	case "jwt":
		if c.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
	case "oidc":
		if c.OIDCIssuerURL == "" {
			missing = append(missing, "OIDC_ISSUER_URL")
		}
		if c.OIDCClientID == "" {
			missing = append(missing, "OIDC_CLIENT_ID")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode)
	}

	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}

	switch c.EmailProvider {
	case "sendgrid":
		if c.SendGridAPIKey == "" {
			missing = append(missing, "SENDGRID_API_KEY")
		}
	case "smtp":
		if c.SMTPHost == "" {
			missing = append(missing, "SMTP_HOST")
		}
	case "none", "":
	default:
		return fmt.Errorf("unsupported EMAIL_PROVIDER %q", c.EmailProvider)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// StorageEnabled reports whether receipt uploads are configured.
func (c Config) StorageEnabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads the first env file found. Running without one is fine:
// containers usually inject the environment directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
