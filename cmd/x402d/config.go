package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8080
	defaultGRPCPort         = 9090
	defaultNetwork          = "base-sepolia"
	defaultStoreType        = "memory"
	defaultVerifierType     = "signature"
	defaultPremiumPrice     = "0.01"
	defaultSubscriptionDays = 30
	defaultFreeLimit        = 5
	defaultFreeWindow       = time.Minute
)

type Config struct {
	Port     int    `yaml:"port" envconfig:"PORT"`
	GRPCPort int    `yaml:"grpc_port" envconfig:"GRPC_PORT"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	Network         string        `yaml:"network" envconfig:"NETWORK"`
	ReceiverAddress string        `yaml:"receiver_address" envconfig:"RECEIVER_ADDRESS"`
	Asset           string        `yaml:"asset" envconfig:"ASSET"`
	ChallengeExpiry time.Duration `yaml:"challenge_expiry" envconfig:"CHALLENGE_EXPIRY"`

	// StoreType is one of memory, file, sqlite or postgres.
	StoreType   string            `yaml:"store_type" envconfig:"STORE_TYPE"`
	StoreConfig map[string]string `yaml:"store_config" envconfig:"STORE_CONFIG"`

	// VerifierType is one of signature, facilitator or evm.
	VerifierType   string `yaml:"verifier_type" envconfig:"VERIFIER_TYPE"`
	Secret         string `yaml:"secret" envconfig:"SECRET"`
	FacilitatorURL string `yaml:"facilitator_url" envconfig:"FACILITATOR_URL"`
	RPCURL         string `yaml:"rpc_url" envconfig:"RPC_URL"`

	// SubscriptionDBURL stores subscriptions in postgres. Empty keeps them in memory.
	SubscriptionDBURL string `yaml:"subscription_db_url" envconfig:"SUBSCRIPTION_DB_URL"`

	PremiumPrice      string            `yaml:"premium_price" envconfig:"PREMIUM_PRICE"`
	QuotePrices       map[string]string `yaml:"quote_prices" envconfig:"QUOTE_PRICES"`
	UsageBasePrice    string            `yaml:"usage_base_price" envconfig:"USAGE_BASE_PRICE"`
	UsageUnitPrice    string            `yaml:"usage_unit_price" envconfig:"USAGE_UNIT_PRICE"`
	SubscriptionPrice string            `yaml:"subscription_price" envconfig:"SUBSCRIPTION_PRICE"`
	SubscriptionDays  int               `yaml:"subscription_days" envconfig:"SUBSCRIPTION_DAYS"`
	FreeLimit         int               `yaml:"free_limit" envconfig:"FREE_LIMIT"`
	FreeWindow        time.Duration     `yaml:"free_window" envconfig:"FREE_WINDOW"`
	Tiers             map[string]string `yaml:"tiers" envconfig:"TIERS"`
	Routes            map[string]string `yaml:"routes" envconfig:"ROUTES"`
}

// Load Config from a yaml file at path.
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return err
	}

	c.applyDefaults()
	return nil
}

// Load Config from the environment.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process("X402", c); err != nil {
		return err
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = defaultGRPCPort
	}
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	if c.StoreType == "" {
		c.StoreType = defaultStoreType
	}
	if c.VerifierType == "" {
		c.VerifierType = defaultVerifierType
	}
	if c.PremiumPrice == "" {
		c.PremiumPrice = defaultPremiumPrice
	}
	if c.UsageUnitPrice == "" {
		c.UsageUnitPrice = "0.001"
	}
	if c.SubscriptionPrice == "" {
		c.SubscriptionPrice = "1.00"
	}
	if c.SubscriptionDays == 0 {
		c.SubscriptionDays = defaultSubscriptionDays
	}
	if c.FreeLimit == 0 {
		c.FreeLimit = defaultFreeLimit
	}
	if c.FreeWindow == 0 {
		c.FreeWindow = defaultFreeWindow
	}

	if len(c.QuotePrices) == 0 {
		c.QuotePrices = map[string]string{"default": "0.005"}
	}
	if len(c.Routes) == 0 {
		c.Routes = map[string]string{"/v1/catalog/*": "0.02"}
	}
	if len(c.Tiers) == 0 {
		c.Tiers = map[string]string{"basic": "0.01", "pro": "0.05"}
	}
	if _, ok := c.StoreConfig["path"]; !ok && (c.StoreType == "file" || c.StoreType == "sqlite") {
		slog.Warn("no store_config.path found, using default", "path", "./x402.db")
		if c.StoreConfig == nil {
			c.StoreConfig = map[string]string{}
		}
		c.StoreConfig["path"] = "./x402.db"
	}
}

func (c *Config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
