// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML file.
//
// Precedence, highest first: process environment, .env, YAML file, defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cashbridge/internal/domain"
)

// Config is the full service configuration.
type Config struct {
	Env      string
	LogLevel string

	HTTP     HTTPConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Receipt  ReceiptConfig
	Mailbox  MailboxConfig
	Custody  CustodyConfig
	Solana   SolanaConfig
	Pricing  PricingConfig
	Fees     FeesConfig
	Pipeline PipelineConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	// VerifyPerMinute limits verify and settle calls per user.
	VerifyPerMinute int
	VerifyBurst     int
	AllowedOrigins  []string
}

type DBConfig struct {
	PostgresDSN   string
	PostgresConns int
	ClickhouseDSN string
	UseMemory     bool
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type ReceiptConfig struct {
	AllowedHosts []string
	ChromePath   string
	Timeout      time.Duration
}

type MailboxConfig struct {
	Addr     string
	Username string
	Password string
	Folder   string
	Sender   string
}

type CustodyConfig struct {
	BaseURL          string
	AccessToken      string
	WalletPassphrase string
	Network          domain.Network
	// Wallets maps currency code to custody wallet id.
	Wallets map[domain.CurrencyCode]string
}

type SolanaConfig struct {
	RPCURL    string
	HotWallet string
}

type PricingConfig struct {
	CoinGeckoURL string
	APIKey       string
	TTL          time.Duration
	// MaxDeviationPct bounds submitted prices against the market; zero disables the check.
	MaxDeviationPct decimal.Decimal
}

type FeesConfig struct {
	DefaultPercentage decimal.Decimal
}

type PipelineConfig struct {
	InspectTimeout time.Duration
	ScanTimeout    time.Duration
	WindowMinutes  int
	MaxEmailAge    time.Duration
}

// fileConfig is the YAML overlay. Every field is optional.
type fileConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTP     struct {
		Addr            string   `yaml:"addr"`
		VerifyPerMinute int      `yaml:"verify_per_minute"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Receipt struct {
		AllowedHosts []string `yaml:"allowed_hosts"`
		ChromePath   string   `yaml:"chrome_path"`
	} `yaml:"receipt"`
	Mailbox struct {
		Addr   string `yaml:"addr"`
		Folder string `yaml:"folder"`
		Sender string `yaml:"sender"`
	} `yaml:"mailbox"`
	Custody struct {
		BaseURL string            `yaml:"base_url"`
		Network string            `yaml:"network"`
		Wallets map[string]string `yaml:"wallets"`
	} `yaml:"custody"`
	Solana struct {
		RPCURL    string `yaml:"rpc_url"`
		HotWallet string `yaml:"hot_wallet"`
	} `yaml:"solana"`
	Pricing struct {
		CoinGeckoURL    string `yaml:"coingecko_url"`
		MaxDeviationPct string `yaml:"max_deviation_pct"`
	} `yaml:"pricing"`
	Fees struct {
		DefaultPercentage string `yaml:"default_percentage"`
	} `yaml:"fees"`
}

// Load reads configuration. The YAML file named by CONFIG_FILE is applied
// first, then .env and the environment override it.
func Load() (*Config, error) {
	LoadEnvFile(".env")

	var file fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Env:      getEnv("ENVIRONMENT", or(file.Env, "production")),
		LogLevel: getEnv("LOG_LEVEL", or(file.LogLevel, "info")),
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", or(file.HTTP.Addr, ":8080")),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
			VerifyPerMinute: getEnvInt("VERIFY_PER_MINUTE", orInt(file.HTTP.VerifyPerMinute, 6)),
			VerifyBurst:     getEnvInt("VERIFY_BURST", 2),
			AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", file.HTTP.AllowedOrigins),
		},
		DB: DBConfig{
			PostgresDSN:   os.Getenv("POSTGRES_DSN"),
			PostgresConns: getEnvInt("POSTGRES_MAX_CONNS", 10),
			ClickhouseDSN: os.Getenv("CLICKHOUSE_DSN"),
			UseMemory:     getEnvBool("USE_MEMORY", false),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Issuer:    getEnv("JWT_ISSUER", "cashbridge"),
		},
		Receipt: ReceiptConfig{
			AllowedHosts: getEnvList("RECEIPT_ALLOWED_HOSTS", orList(file.Receipt.AllowedHosts, []string{"cash.app"})),
			ChromePath:   getEnv("CHROME_PATH", file.Receipt.ChromePath),
			Timeout:      getEnvDuration("RECEIPT_TIMEOUT", 30*time.Second),
		},
		Mailbox: MailboxConfig{
			Addr:     getEnv("IMAP_ADDR", or(file.Mailbox.Addr, "imap.gmail.com:993")),
			Username: os.Getenv("IMAP_USERNAME"),
			Password: os.Getenv("IMAP_PASSWORD"),
			Folder:   getEnv("IMAP_FOLDER", or(file.Mailbox.Folder, "INBOX")),
			Sender:   getEnv("PAYMENT_SENDER", or(file.Mailbox.Sender, "cash@square.com")),
		},
		Custody: CustodyConfig{
			BaseURL:          getEnv("CUSTODY_BASE_URL", or(file.Custody.BaseURL, "https://app.bitgo.com")),
			AccessToken:      os.Getenv("CUSTODY_ACCESS_TOKEN"),
			WalletPassphrase: os.Getenv("CUSTODY_WALLET_PASSPHRASE"),
			Network:          domain.Network(getEnv("CUSTODY_NETWORK", or(file.Custody.Network, string(domain.Mainnet)))),
			Wallets:          make(map[domain.CurrencyCode]string),
		},
		Solana: SolanaConfig{
			RPCURL:    getEnv("SOLANA_RPC_ENDPOINT", or(file.Solana.RPCURL, "https://api.mainnet-beta.solana.com")),
			HotWallet: getEnv("SOLANA_HOT_WALLET", file.Solana.HotWallet),
		},
		Pricing: PricingConfig{
			CoinGeckoURL: getEnv("COINGECKO_URL", or(file.Pricing.CoinGeckoURL, "https://api.coingecko.com")),
			APIKey:       os.Getenv("COINGECKO_API_KEY"),
			TTL:          getEnvDuration("PRICE_TTL", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			InspectTimeout: getEnvDuration("RECEIPT_STEP_TIMEOUT", 45*time.Second),
			ScanTimeout:    getEnvDuration("MAILBOX_STEP_TIMEOUT", 60*time.Second),
			WindowMinutes:  getEnvInt("MAILBOX_WINDOW_MINUTES", 120),
			MaxEmailAge:    getEnvDuration("MAX_EMAIL_AGE", 30*time.Minute),
		},
	}

	for code, wallet := range file.Custody.Wallets {
		cfg.Custody.Wallets[domain.CurrencyCode(strings.ToUpper(code))] = wallet
	}
	for _, code := range []domain.CurrencyCode{domain.BTC, domain.ETH, domain.LTC, domain.SOL} {
		if v := os.Getenv(string(code) + "_WALLET_ID"); v != "" {
			cfg.Custody.Wallets[code] = v
		}
	}

	var err error
	if cfg.Pricing.MaxDeviationPct, err = getEnvDecimal("PRICE_MAX_DEVIATION_PCT", or(file.Pricing.MaxDeviationPct, "0")); err != nil {
		return nil, err
	}
	if cfg.Fees.DefaultPercentage, err = getEnvDecimal("DEFAULT_FEE_PERCENTAGE", or(file.Fees.DefaultPercentage, "22")); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.DB.UseMemory && c.DB.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set USE_MEMORY=true for in-memory storage)")
	}
	if !c.Custody.Network.IsValid() {
		return fmt.Errorf("CUSTODY_NETWORK must be mainnet or testnet, got %q", c.Custody.Network)
	}
	if c.Fees.DefaultPercentage.IsNegative() || c.Fees.DefaultPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("DEFAULT_FEE_PERCENTAGE must be within [0, 100], got %s", c.Fees.DefaultPercentage)
	}
	if c.Pipeline.WindowMinutes <= 0 {
		return fmt.Errorf("MAILBOX_WINDOW_MINUTES must be positive")
	}
	return nil
}

// LoadEnvFile sets variables from a KEY=VALUE file without overriding the
// environment. A missing file is ignored.
func LoadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDecimal(key, fallback string) (decimal.Decimal, error) {
	raw := getEnv(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, raw, err)
	}
	return d, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orList(v, fallback []string) []string {
	if len(v) > 0 {
		return v
	}
	return fallback
}
