package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration, loaded from a YAML file with
// RELAYER_-prefixed environment overrides.
type Config struct {
	Global GlobalConfig `mapstructure:"global" yaml:"global"`
	Eth    EthConfig    `mapstructure:"eth" yaml:"eth"`
	Root   RootConfig   `mapstructure:"root" yaml:"root"`
	Xrpl   XrplConfig   `mapstructure:"xrpl" yaml:"xrpl"`
}

type GlobalConfig struct {
	LogLevel  string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat string `mapstructure:"log-format" yaml:"log-format"`
	LogOutput string `mapstructure:"log-output" yaml:"log-output"`

	SlackWebhookURL string `mapstructure:"slack-webhook-url" yaml:"slack-webhook-url"`
	SlackMentions   string `mapstructure:"slack-mentions" yaml:"slack-mentions"`

	RedisURL    string `mapstructure:"redis-url" yaml:"redis-url"`
	DatabaseURL string `mapstructure:"database-url" yaml:"database-url"`

	HealthAddr string `mapstructure:"health-addr" yaml:"health-addr"`

	// DevCallers are sender addresses whose traffic is never relayed,
	// matched case-insensitively.
	DevCallers []string `mapstructure:"dev-callers" yaml:"dev-callers"`
}

type EthConfig struct {
	RPCURL         string `mapstructure:"rpc-url" yaml:"rpc-url"`
	BridgeContract string `mapstructure:"bridge-contract" yaml:"bridge-contract"`

	// BlockDelay lags behind the chain head so that only settled logs are
	// processed; never less than one block.
	BlockDelay   int64         `mapstructure:"block-delay" yaml:"block-delay"`
	PollInterval time.Duration `mapstructure:"poll-interval" yaml:"poll-interval"`

	GasMultiplier float64 `mapstructure:"gas-multiplier" yaml:"gas-multiplier"`
	RelayerKey    string  `mapstructure:"relayer-key" yaml:"relayer-key"`
	MinEthWei     string  `mapstructure:"min-eth-wei" yaml:"min-eth-wei"`
}

type RootConfig struct {
	WSEndpoint string `mapstructure:"ws-endpoint" yaml:"ws-endpoint"`
	// HTTPEndpoints serve event-proof queries; tried in order.
	HTTPEndpoints []string `mapstructure:"http-endpoints" yaml:"http-endpoints"`

	Network      string        `mapstructure:"network" yaml:"network"`
	PollInterval time.Duration `mapstructure:"poll-interval" yaml:"poll-interval"`

	RelayerSeed string `mapstructure:"relayer-seed" yaml:"relayer-seed"`
	// MinXrpDrops is the minimum relayer-account XRP balance on Root,
	// in drops.
	MinXrpDrops string `mapstructure:"min-xrp-drops" yaml:"min-xrp-drops"`
}

type XrplConfig struct {
	APIURL string `mapstructure:"api-url" yaml:"api-url"`

	DoorAccount       string `mapstructure:"door-account" yaml:"door-account"`
	DoorSeed          string `mapstructure:"door-seed" yaml:"door-seed"`
	MinterDoorAccount string `mapstructure:"minter-door-account" yaml:"minter-door-account"`
	MinterDoorSeed    string `mapstructure:"minter-door-seed" yaml:"minter-door-seed"`

	PollInterval time.Duration `mapstructure:"poll-interval" yaml:"poll-interval"`

	// MinAmountThreshold is the dust cutoff in drops: inbound payments
	// delivering less are ignored before any record is created.
	MinAmountThreshold int64 `mapstructure:"min-amount-threshold" yaml:"min-amount-threshold"`

	// MinXrpDrops is the minimum door-account balance, in drops.
	MinXrpDrops string `mapstructure:"min-xrp-drops" yaml:"min-xrp-drops"`

	// Currencies maps an XRPL currency code (lower-cased) to the asset it
	// bridges to.
	Currencies map[string]Currency `mapstructure:"currencies" yaml:"currencies"`

	// PreservedTickets are sequence tickets that the ticket service must
	// never burn, per door account kind.
	PreservedMainTickets []int64 `mapstructure:"preserved-main-tickets" yaml:"preserved-main-tickets"`
	PreservedNftTickets  []int64 `mapstructure:"preserved-nft-tickets" yaml:"preserved-nft-tickets"`
}

// Currency describes one bridged XRPL asset. Issuer is the issuing account
// in its decoded 0x-prefixed 20-byte form.
type Currency struct {
	Symbol   string `mapstructure:"symbol" yaml:"symbol"`
	Decimals int32  `mapstructure:"decimals" yaml:"decimals"`
	Issuer   string `mapstructure:"issuer" yaml:"issuer"`
}

func DefaultConfig() Config {
	return Config{
		Global: GlobalConfig{
			LogLevel:   "INFO",
			LogFormat:  "json",
			LogOutput:  "stdout",
			HealthAddr: ":3000",
		},
		Eth: EthConfig{
			BlockDelay:    1,
			PollInterval:  30 * time.Second,
			GasMultiplier: 1.2,
		},
		Root: RootConfig{
			Network:      "porcini",
			PollInterval: 6 * time.Second,
		},
		Xrpl: XrplConfig{
			PollInterval:       5 * time.Second,
			MinAmountThreshold: 40,
		},
	}
}

// LoadConfig reads path into a Config. Environment variables prefixed with
// RELAYER_ override file values, e.g. RELAYER_GLOBAL_REDIS_URL.
func LoadConfig(path string) (*Config, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetEnvPrefix("RELAYER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vp.AutomaticEnv()
	if err := vp.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	config := DefaultConfig()
	if err := vp.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Global.RedisURL == "" {
		return errors.New("global.redis-url is required")
	}
	if c.Global.DatabaseURL == "" {
		return errors.New("global.database-url is required")
	}
	return nil
}
