// Package config provides a reusable loader for darkswap configuration
// files and environment variables.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"darkswap/pkg/utils"
)

// Config is the unified configuration for a darkswapd node, covering every
// recognized option enumerated in SPEC_FULL.md §6.
type Config struct {
	Bitcoin struct {
		Network     string `mapstructure:"network" json:"network"`
		ElectrumURL string `mapstructure:"electrum_url" json:"electrum_url"`
	} `mapstructure:"bitcoin" json:"bitcoin"`

	P2P struct {
		ListenAddresses   []string `mapstructure:"listen_addresses" json:"listen_addresses"`
		BootstrapPeers    []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		RelayServers      []string `mapstructure:"relay_servers" json:"relay_servers"`
		EnableWebRTC      bool     `mapstructure:"enable_webrtc" json:"enable_webrtc"`
		EnableCircuitRelay bool    `mapstructure:"enable_circuit_relay" json:"enable_circuit_relay"`
		EnableDHT         bool     `mapstructure:"enable_dht" json:"enable_dht"`
		EnableGossipSub   bool     `mapstructure:"enable_gossipsub" json:"enable_gossipsub"`
	} `mapstructure:"p2p" json:"p2p"`

	Trade struct {
		DefaultExpirySeconds  uint64 `mapstructure:"default_expiry_seconds" json:"default_expiry_seconds"`
		ConfirmationsRequired uint8  `mapstructure:"confirmations_required" json:"confirmations_required"`
	} `mapstructure:"trade" json:"trade"`

	Orderbook struct {
		MaxOrdersPerPeer uint32 `mapstructure:"max_orders_per_peer" json:"max_orders_per_peer"`
	} `mapstructure:"orderbook" json:"orderbook"`

	Relay struct {
		Auth struct {
			Require  bool   `mapstructure:"require" json:"require"`
			MinLevel string `mapstructure:"min_level" json:"min_level"`
		} `mapstructure:"auth" json:"auth"`
	} `mapstructure:"relay" json:"relay"`

	Storage struct {
		DataDir           string `mapstructure:"data_dir" json:"data_dir"`
		EncryptAtRest     bool   `mapstructure:"encrypt_at_rest" json:"encrypt_at_rest"`
		PassphraseEnv     string `mapstructure:"passphrase_env" json:"passphrase_env"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

func setDefaults() {
	viper.SetDefault("bitcoin.network", "regtest")
	viper.SetDefault("p2p.enable_webrtc", true)
	viper.SetDefault("p2p.enable_circuit_relay", true)
	viper.SetDefault("p2p.enable_dht", true)
	viper.SetDefault("p2p.enable_gossipsub", true)
	viper.SetDefault("trade.default_expiry_seconds", 3600)
	viper.SetDefault("orderbook.max_orders_per_peer", 256)
	viper.SetDefault("relay.auth.require", false)
	viper.SetDefault("relay.auth.min_level", "None")
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("logging.level", "info")
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads configuration files, overlays a .env file if present, merges
// any environment-specific overrides, and applies environment variable
// overrides via viper.AutomaticEnv. The resulting configuration is stored in
// AppConfig and returned.
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of .env is normal outside development; only a malformed
		// file is worth surfacing, and Load can't distinguish, so this is
		// deliberately non-fatal.
		_ = err
	}

	setDefaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("darkswap")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DARKSWAP_ENV environment
// variable to select the override file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DARKSWAP_ENV", ""))
}
