package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment
// variables, with an optional .env file layered underneath.
type Config struct {
	// Exchange credentials and endpoint
	APIKey    string `envconfig:"CB_API_KEY"`
	APISecret string `envconfig:"CB_API_SECRET"`
	BaseURL   string `envconfig:"CB_BASE_URL" default:"https://api.coinbase.com"`
	TickerWS  string `envconfig:"CB_TICKER_WS"` // optional WS ticker feed (simulator)
	SimMode   bool   `envconfig:"SIM_MODE" default:"false"`

	// Polling
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	OrderLimit   int           `envconfig:"ORDER_LIMIT" default:"50"`
	BookWorkers  int           `envconfig:"BOOK_WORKERS" default:"4"`

	// Optional product allowlist (comma-separated, e.g. "BTC-USD,ETH-USD")
	Products string `envconfig:"PRODUCTS"`

	// Infrastructure
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/moonlander.db"`
	MetricsAddr   string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Gateway
	GatewayAddr        string `envconfig:"GATEWAY_ADDR" default:":8080"`
	GatewayMetricsAddr string `envconfig:"GATEWAY_METRICS_ADDR" default:":9091"`
	AdminOTPSecret     string `envconfig:"ADMIN_OTP_SECRET"` // empty disables admin endpoints

	// Bar resampling intervals in seconds (comma-separated)
	BarIntervals string `envconfig:"BAR_INTERVALS" default:"60,300"`

	// Notifications
	TelegramToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID string `envconfig:"TELEGRAM_CHAT_ID"`
	WebhookURL     string `envconfig:"ALERT_WEBHOOK_URL"`

	// Maintenance windows, e.g. "Sat 02:00-04:00,Sun 02:00-03:00" (UTC).
	// Empty means always open.
	MaintenanceWindows string `envconfig:"MAINTENANCE_WINDOWS"`
}

// Load reads .env (if present) and the environment into a Config.
func Load() (*Config, error) {
	loadDotEnv()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks requirements that depend on the run mode. Credentials are
// only required against the real exchange; the simulator accepts anything.
func (c *Config) Validate() error {
	if c.SimMode {
		return nil
	}
	if c.APIKey == "" || c.APISecret == "" {
		return errors.New("CB_API_KEY and CB_API_SECRET are required unless SIM_MODE=true")
	}
	return nil
}

// ParseProducts parses the Products allowlist into a slice. Empty means no
// filter: evaluate every open order the exchange returns.
func (c *Config) ParseProducts() []string {
	parts := strings.Split(c.Products, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.ToUpper(p))
	}
	return out
}

// ParseBarIntervals parses BarIntervals into a slice of seconds.
func (c *Config) ParseBarIntervals() []int {
	parts := strings.Split(c.BarIntervals, ",")
	ivs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid bar interval: %q", p)
			continue
		}
		ivs = append(ivs, n)
	}
	return ivs
}

// loadDotEnv loads the first .env found in the working directory or up to
// two parent directories. Absence is not an error; deployed environments
// set real variables.
func loadDotEnv() {
	path := ".env"
	for i := 0; i <= 2; i++ {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
		path = filepath.Join("..", path)
	}
}
