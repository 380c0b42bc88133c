// Package config loads service configuration. Precedence, lowest to
// highest: built-in defaults, the YAML file, environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// Config is the root configuration for the credit layer.
type Config struct {
	Environment string               `yaml:"environment" env:"ENVIRONMENT"`
	Server      ServerConfig         `yaml:"server"`
	Logging     logger.LoggingConfig `yaml:"logging"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	Chain       ChainConfig          `yaml:"chain"`
	Credentials CredentialConfig     `yaml:"credentials"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Deposits    DepositConfig        `yaml:"deposits"`
	Admin       AdminConfig          `yaml:"admin"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS"`
}

// DatabaseConfig controls the record store connection.
type DatabaseConfig struct {
	Driver  string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN     string `yaml:"dsn" env:"DATABASE_DSN"`
	Migrate bool   `yaml:"migrate" env:"DATABASE_MIGRATE"`
	// MigrationsPath is a file:// URL understood by golang-migrate.
	MigrationsPath string `yaml:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
	MaxOpenConns   int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns   int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
}

// RedisConfig controls the optional Redis bucket store. When Addr is empty
// rate-limit buckets live in the record store instead.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// ChainConfig controls the read-only chain RPC endpoint and the transfer
// matching rules.
type ChainConfig struct {
	RPCURL  string        `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	Timeout time.Duration `yaml:"timeout" env:"CHAIN_TIMEOUT"`
	// TokenContract is the address of the token whose transfer events are
	// accepted as deposits.
	TokenContract string `yaml:"token_contract" env:"CHAIN_TOKEN_CONTRACT"`
	// TreasuryAddress is the deposit destination; transfers to any other
	// address are rejected.
	TreasuryAddress string `yaml:"treasury_address" env:"CHAIN_TREASURY_ADDRESS"`
	// TokenDecimals is the token's declared decimal count used to scale raw
	// amounts into credit-cents.
	TokenDecimals int `yaml:"token_decimals" env:"CHAIN_TOKEN_DECIMALS"`
}

// CredentialConfig controls credential issuance and hashing.
type CredentialConfig struct {
	// BcryptCost is the bcrypt cost parameter. The default of 12 gives 4096
	// hash rounds.
	BcryptCost int `yaml:"bcrypt_cost" env:"CREDENTIAL_BCRYPT_COST"`
}

// RateLimitConfig controls admission policy.
type RateLimitConfig struct {
	// FailOpen admits requests when the bucket store is unreachable.
	// Defaults to false: store errors reject, bounding abuse over
	// availability.
	FailOpen bool `yaml:"fail_open" env:"RATELIMIT_FAIL_OPEN"`
	// IPRequestsPerSecond and IPBurst shape the pre-router per-IP limiter.
	IPRequestsPerSecond int `yaml:"ip_requests_per_second" env:"RATELIMIT_IP_RPS"`
	IPBurst             int `yaml:"ip_burst" env:"RATELIMIT_IP_BURST"`
}

// DepositConfig controls deposit crediting bounds.
type DepositConfig struct {
	// MinAmount and MaxAmount bound the credited amount in credit-cents.
	MinAmount int64 `yaml:"min_amount" env:"DEPOSIT_MIN_AMOUNT"`
	MaxAmount int64 `yaml:"max_amount" env:"DEPOSIT_MAX_AMOUNT"`
	// AllowUnverified skips chain verification and trusts the request body
	// amount. Test environments only; Validate rejects it in production.
	AllowUnverified bool `yaml:"allow_unverified" env:"DEPOSIT_ALLOW_UNVERIFIED"`
}

// AdminConfig controls the administrative surface.
type AdminConfig struct {
	// JWTSecret signs admin session tokens (HMAC). Empty disables the
	// admin endpoints.
	JWTSecret string `yaml:"jwt_secret" env:"ADMIN_JWT_SECRET"`
}

// Load reads .env, the optional YAML file named by CONFIG_PATH (default
// config/config.yaml), then applies environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific YAML path. A missing file
// is not an error; environment variables alone can configure the service.
func LoadFromPath(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// env-only configuration
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// envdecode only touches fields whose variables are actually set, so
	// the YAML values survive unless explicitly overridden.
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Migrate:        true,
			MigrationsPath: "file://migrations",
			MaxOpenConns:   10,
			MaxIdleConns:   5,
		},
		Chain: ChainConfig{
			Timeout:       10 * time.Second,
			TokenDecimals: 18,
		},
		Credentials: CredentialConfig{
			BcryptCost: 12,
		},
		RateLimit: RateLimitConfig{
			IPRequestsPerSecond: 20,
			IPBurst:             40,
		},
		Deposits: DepositConfig{
			MinAmount: 100,
			MaxAmount: 100000000,
		},
	}
}

// Validate enforces cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Credentials.BcryptCost < 10 || c.Credentials.BcryptCost > 16 {
		return fmt.Errorf("bcrypt cost %d out of range [10,16]", c.Credentials.BcryptCost)
	}
	if c.Deposits.MinAmount < 0 || c.Deposits.MaxAmount < c.Deposits.MinAmount {
		return fmt.Errorf("deposit bounds invalid: min=%d max=%d", c.Deposits.MinAmount, c.Deposits.MaxAmount)
	}
	if c.Deposits.AllowUnverified && c.Environment == "production" {
		return fmt.Errorf("deposits.allow_unverified must not be set in production")
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("token decimals %d out of range", c.Chain.TokenDecimals)
	}
	return nil
}
