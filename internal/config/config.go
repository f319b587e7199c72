package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	KeyVault KeyVaultConfig `yaml:"keyVault"`
	Provider ProviderConfig `yaml:"provider"`
	Payout   PayoutConfig   `yaml:"payout"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	CORS     CORSConfig     `yaml:"cors"`
	Verify   VerifyConfig   `yaml:"verification"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	RequestTimeout int    `yaml:"requestTimeout"` // seconds, hard deadline per API request
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// ChainConfig blockchain configuration
type ChainConfig struct {
	RPCURL          string `yaml:"rpcUrl"`
	ChainID         int64  `yaml:"chainId"`
	OperatorSecret  string `yaml:"operatorSecret"`   // hex private key of the operator wallet, no 0x prefix
	FactoryAddress  string `yaml:"factoryAddress"`   // deployed escrow factory
	TokenAddress    string `yaml:"tokenAddress"`     // deployed marketplace token
	GasSafetyFactor int64  `yaml:"gasSafetyFactor"`  // gas subsidy over-provisioning multiplier
	ReceiptWaitSec  int    `yaml:"receiptWaitSec"`   // max synchronous wait for a receipt, seconds
	EscrowTimeout   int64  `yaml:"escrowTimeoutSec"` // contract-enforced claim window, seconds
	EagerDispute    bool   `yaml:"eagerDispute"`     // submit raiseDispute on-chain when a dispute is opened
	RPCRateLimit    int    `yaml:"rpcRateLimit"`     // max RPC calls per second
}

// KeyVaultConfig custodial key sealing configuration
type KeyVaultConfig struct {
	EncryptionSecret string `yaml:"encryptionSecret"` // master AEAD secret, min 32 chars
}

// ProviderConfig payments provider configuration
type ProviderConfig struct {
	BaseURL       string `yaml:"baseUrl"`
	Key           string `yaml:"key"`
	Secret        string `yaml:"secret"`
	Account       string `yaml:"account"`       // business banking account payouts draw from
	WebhookSecret string `yaml:"webhookSecret"` // HMAC secret for webhook signatures, empty disables verification
	ManualMode    bool   `yaml:"manualMode"`    // payout API absent, route every armed payout to pending_manual
	Timeout       int    `yaml:"timeout"`       // request timeout, seconds
}

// PayoutConfig payout pipeline configuration
type PayoutConfig struct {
	USDToINRRate float64 `yaml:"usdToInrRate"`
}

// NATSConfig event publishing configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// AuthConfig JWT configuration
type AuthConfig struct {
	JWTSecret   string `yaml:"jwtSecret"`
	TokenExpiry int    `yaml:"tokenExpiry"` // hours
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// VerifyConfig verification loop configuration
type VerifyConfig struct {
	PollIntervalSec int `yaml:"pollIntervalSec"`
	WindowHours     int `yaml:"windowHours"` // how far back to look for unconfirmed transactions
	StuckHours      int `yaml:"stuckHours"`  // unmined past this age gets flagged for operators
	BatchSize       int `yaml:"batchSize"`   // max records per cycle
}

var AppConfig *Config

// LoadConfig loads the configuration file and applies environment overrides.
// The file is optional; every setting can come from the environment.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	config := defaultConfig()

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	overrideFromEnv(config)

	if err := validate(config); err != nil {
		return err
	}

	AppConfig = config
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RequestTimeout: 30,
		},
		Database: DatabaseConfig{Driver: "postgres"},
		Chain: ChainConfig{
			GasSafetyFactor: 5,
			ReceiptWaitSec:  60,
			EscrowTimeout:   7 * 24 * 3600,
			RPCRateLimit:    20,
		},
		Provider: ProviderConfig{
			BaseURL: "https://api.razorpay.com/v1",
			Timeout: 15,
		},
		Payout: PayoutConfig{USDToINRRate: 83.0},
		Auth:   AuthConfig{TokenExpiry: 24},
		Verify: VerifyConfig{
			PollIntervalSec: 30,
			WindowHours:     24,
			StuckHours:      2,
			BatchSize:       20,
		},
	}
}

// overrideFromEnv applies environment variable overrides
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if rpcURL := os.Getenv("RPC_URL"); rpcURL != "" {
		config.Chain.RPCURL = rpcURL
	}
	if chainID := os.Getenv("CHAIN_ID"); chainID != "" {
		if id, err := strconv.ParseInt(chainID, 10, 64); err == nil {
			config.Chain.ChainID = id
		}
	}
	if secret := os.Getenv("OPERATOR_SECRET"); secret != "" {
		config.Chain.OperatorSecret = secret
	}
	if factory := os.Getenv("FACTORY_ADDRESS"); factory != "" {
		config.Chain.FactoryAddress = factory
	}
	if token := os.Getenv("TOKEN_ADDRESS"); token != "" {
		config.Chain.TokenAddress = token
	}
	if factor := os.Getenv("GAS_SAFETY_FACTOR"); factor != "" {
		if f, err := strconv.ParseInt(factor, 10, 64); err == nil && f > 0 {
			config.Chain.GasSafetyFactor = f
		}
	}
	if wait := os.Getenv("RECEIPT_WAIT_SEC"); wait != "" {
		if w, err := strconv.Atoi(wait); err == nil && w > 0 {
			config.Chain.ReceiptWaitSec = w
		}
	}
	if timeout := os.Getenv("ESCROW_TIMEOUT_SEC"); timeout != "" {
		if t, err := strconv.ParseInt(timeout, 10, 64); err == nil && t > 0 {
			config.Chain.EscrowTimeout = t
		}
	}
	if eager := os.Getenv("EAGER_DISPUTE"); eager != "" {
		config.Chain.EagerDispute = eager == "true"
	}

	if secret := os.Getenv("KEY_ENCRYPTION_SECRET"); secret != "" {
		config.KeyVault.EncryptionSecret = secret
	}

	if key := os.Getenv("PROVIDER_KEY"); key != "" {
		config.Provider.Key = key
	}
	if secret := os.Getenv("PROVIDER_SECRET"); secret != "" {
		config.Provider.Secret = secret
	}
	if account := os.Getenv("PROVIDER_ACCOUNT"); account != "" {
		config.Provider.Account = account
	}
	if baseURL := os.Getenv("PROVIDER_BASE_URL"); baseURL != "" {
		config.Provider.BaseURL = baseURL
	}
	if manual := os.Getenv("PROVIDER_MANUAL_MODE"); manual != "" {
		config.Provider.ManualMode = manual == "true"
	}
	if webhookSecret := os.Getenv("PROVIDER_WEBHOOK_SECRET"); webhookSecret != "" {
		config.Provider.WebhookSecret = webhookSecret
	}

	if rate := os.Getenv("USD_TO_INR_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil && r > 0 {
			config.Payout.USDToINRRate = r
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		config.Auth.JWTSecret = jwtSecret
	}

	if poll := os.Getenv("VERIFY_POLL_SEC"); poll != "" {
		if p, err := strconv.Atoi(poll); err == nil && p > 0 {
			config.Verify.PollIntervalSec = p
		}
	}
	if window := os.Getenv("VERIFY_WINDOW_HOURS"); window != "" {
		if w, err := strconv.Atoi(window); err == nil && w > 0 {
			config.Verify.WindowHours = w
		}
	}
	if stuck := os.Getenv("VERIFY_STUCK_HOURS"); stuck != "" {
		if s, err := strconv.Atoi(stuck); err == nil && s > 0 {
			config.Verify.StuckHours = s
		}
	}
	if batch := os.Getenv("VERIFY_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil && b > 0 {
			config.Verify.BatchSize = b
		}
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

func validate(config *Config) error {
	if config.Database.DSN == "" {
		return fmt.Errorf("database DSN is required (DATABASE_DSN)")
	}
	if config.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required (RPC_URL)")
	}
	if config.Chain.OperatorSecret == "" {
		return fmt.Errorf("operator secret is required (OPERATOR_SECRET)")
	}
	if config.Chain.FactoryAddress == "" {
		return fmt.Errorf("escrow factory address is required (FACTORY_ADDRESS)")
	}
	if config.Chain.TokenAddress == "" {
		return fmt.Errorf("token address is required (TOKEN_ADDRESS)")
	}
	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required (JWT_SECRET)")
	}
	return nil
}

// PollInterval returns the verification loop interval as a duration.
func (v VerifyConfig) PollInterval() time.Duration {
	return time.Duration(v.PollIntervalSec) * time.Second
}

// Window returns the verification lookback window as a duration.
func (v VerifyConfig) Window() time.Duration {
	return time.Duration(v.WindowHours) * time.Hour
}

// StuckThreshold returns the stuck-transaction alert age as a duration.
func (v VerifyConfig) StuckThreshold() time.Duration {
	return time.Duration(v.StuckHours) * time.Hour
}

// ReceiptWait returns the synchronous receipt wait as a duration.
func (c ChainConfig) ReceiptWait() time.Duration {
	return time.Duration(c.ReceiptWaitSec) * time.Second
}

// EscrowTimeoutDuration returns the contract claim window as a duration.
func (c ChainConfig) EscrowTimeoutDuration() time.Duration {
	return time.Duration(c.EscrowTimeout) * time.Second
}
