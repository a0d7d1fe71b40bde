// Package config reads the module configuration from the module_config.json file or OS ENV
// variables. The default configuration is overridden first by:
//
// - a valid JSON config file (see cmd/module_config.json for a sample) and then by
//
// - OS ENV variables prefixed with CW_ (ie. CW_API_KEY, CW_DB_CONN, ...). All OS ENV variables
// should be valid strings, except for CW_COINS which should be a string with a valid JSON format.
// For example:
// # export CW_COINS='{"LTC":{"name":"Litecoin","decimals":8,"blockbook_url":"https://ltcbook.nownodes.io","required_confirmations":3,"min_collection_amount":0.001,"collection_fee":0.0001}}'
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Default configuration variables
var (
	APIKeyDefault               = ""
	LogLevelDefault             = "info"
	PoolSizeDefault             = 10
	DefaultConfirmationsDefault = 3
	MaxReconnectDefault         = 10
	DBTypeDefault               = "sqlite"
	DBConnDefault               = "chainwatch.db"
	BrokerTypeDefault           = "none"
	BrokerURLDefault            = ""
	MonitoringDefault           = Monitoring{Enabled: true, PrometheusPort: 9090, MetricsPrefix: "blockchain_module"}
	RestDefault                 = Rest{Enabled: true, Host: "0.0.0.0", Port: 8080, APIKeyRequired: true, RateLimit: 100, EnableAuth: true}
	MultiuserDefault            = Multiuser{
		Enabled:        true,
		SessionTimeout: 3600,
		DefaultQuotas: Quotas{
			MaxMonitoredAddresses: 100,
			MaxDailyAPICalls:      10000,
			MaxConcurrentMonitors: 5,
			CanCollectFunds:       false,
			CanCreateAddresses:    true,
			CanViewTransactions:   true,
		},
	}
	CoinsDefault = map[string]Coin{
		"LTC": {
			Name:                  "Litecoin",
			Decimals:              8,
			BlockbookURL:          "https://ltcbook.nownodes.io",
			RequiredConfirmations: 3,
			MinCollectionAmount:   0.001,
			CollectionFee:         0.0001,
		},
		"DOGE": {
			Name:                  "Dogecoin",
			Decimals:              8,
			BlockbookURL:          "https://dogebook.nownodes.io",
			RequiredConfirmations: 6,
			MinCollectionAmount:   1.0,
			CollectionFee:         0.1,
		},
	}
)

// Coin defines one entry of the "coins" object in the config file. MinCollectionAmount and
// CollectionFee are expressed in whole coin units.
type Coin struct {
	Symbol                string  `json:"symbol,omitempty"`
	Name                  string  `json:"name"`
	Decimals              int     `json:"decimals"`
	BlockbookURL          string  `json:"blockbook_url"`
	RPCURL                string  `json:"rpc_url,omitempty"`
	RequiredConfirmations int     `json:"required_confirmations"`
	MinCollectionAmount   float64 `json:"min_collection_amount"`
	CollectionFee         float64 `json:"collection_fee"`
	AddressType           string  `json:"address_type,omitempty"` // utxo (default) or account
}

// Monitoring holds the Prometheus exporter settings.
type Monitoring struct {
	Enabled        bool   `json:"enabled"`
	PrometheusPort int    `json:"prometheus_port"`
	MetricsPrefix  string `json:"metrics_prefix"`
}

// Rest holds the RESTful API server settings. SSLPort, SSLCert and SSLKey are optional and
// enable the TLS listener when all three are set.
type Rest struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	APIKeyRequired bool   `json:"api_key_required"`
	RateLimit      int    `json:"rate_limit"`
	EnableAuth     bool   `json:"enable_auth"`
	SSLPort        int    `json:"ssl_port,omitempty"`
	SSLCert        string `json:"ssl_cert,omitempty"`
	SSLKey         string `json:"ssl_key,omitempty"`
}

// Quotas defines the per-user limits and capability flags applied to new users.
type Quotas struct {
	MaxMonitoredAddresses int  `json:"max_monitored_addresses"`
	MaxDailyAPICalls      int  `json:"max_daily_api_calls"`
	MaxConcurrentMonitors int  `json:"max_concurrent_monitors"`
	CanCollectFunds       bool `json:"can_collect_funds"`
	CanCreateAddresses    bool `json:"can_create_addresses"`
	CanViewTransactions   bool `json:"can_view_transactions"`
}

// Multiuser holds the user subsystem settings. When Enabled is false the module serves a single
// built-in admin principal authenticated by AdminAPIKey.
type Multiuser struct {
	Enabled        bool   `json:"enabled"`
	DefaultQuotas  Quotas `json:"default_user_quotas"`
	AdminAPIKey    string `json:"admin_api_key,omitempty"`
	SessionTimeout int    `json:"session_timeout"`
}

// Settings maps the "module_settings" object of the config file. APIKey is the nownodes.io
// upstream key. WalletSeed is an optional hex seed enabling HD address derivation.
type Settings struct {
	APIKey               string     `json:"api_key"`
	LogLevel             string     `json:"log_level"`
	ConnectionPoolSize   int        `json:"connection_pool_size"`
	DefaultConfirmations int        `json:"default_confirmations"`
	MaxReconnectAttempts int        `json:"max_reconnect_attempts"`
	WalletSeed           string     `json:"wallet_seed,omitempty"`
	Monitoring           Monitoring `json:"monitoring"`
	Rest                 Rest       `json:"rest_api"`
	Multiuser            Multiuser  `json:"multiuser"`
}

// Database selects the persistence backend: sqlite (default, single file), postgresql or mongodb.
type Database struct {
	Type string `json:"type"`
	Conn string `json:"conn"`
}

// Broker selects the event broker: amqp, kafka or none. For kafka, URL holds a comma separated
// broker list.
type Broker struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ServiceConfig contains the full module configuration.
type ServiceConfig struct {
	Settings Settings        `json:"module_settings"`
	Coins    map[string]Coin `json:"coins"`
	Database Database        `json:"database"`
	Broker   Broker          `json:"broker"`
}

// ExtractConfiguration reads from the given JSON filename, applies OS ENV overrides, validates
// the result and returns the ServiceConfig or an error otherwise.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	conf := ServiceConfig{
		Settings: Settings{
			APIKey:               APIKeyDefault,
			LogLevel:             LogLevelDefault,
			ConnectionPoolSize:   PoolSizeDefault,
			DefaultConfirmations: DefaultConfirmationsDefault,
			MaxReconnectAttempts: MaxReconnectDefault,
			Monitoring:           MonitoringDefault,
			Rest:                 RestDefault,
			Multiuser:            MultiuserDefault,
		},
		Coins:    make(map[string]Coin, len(CoinsDefault)),
		Database: Database{Type: DBTypeDefault, Conn: DBConnDefault},
		Broker:   Broker{Type: BrokerTypeDefault, URL: BrokerURLDefault},
	}
	// copy the default coins so callers never mutate the package defaults
	for sym, coin := range CoinsDefault {
		conf.Coins[sym] = coin
	}
	// read from config file first
	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, fmt.Errorf("configuration file not found: %w", err)
		}
		dec := json.NewDecoder(file)
		dec.DisallowUnknownFields()
		err = dec.Decode(&conf)
		file.Close()
		if err != nil {
			return conf, fmt.Errorf("cannot parse %s: %w", filename, err)
		}
	}
	// then override config values with OS ENV variables
	var tmp string
	if tmp = os.Getenv("CW_API_KEY"); tmp != "" {
		conf.Settings.APIKey = tmp
	}
	if tmp = os.Getenv("CW_LOG_LEVEL"); tmp != "" {
		conf.Settings.LogLevel = tmp
	}
	if tmp = os.Getenv("CW_POOL_SIZE"); tmp != "" {
		n, err := strconv.Atoi(tmp)
		if err != nil {
			return conf, fmt.Errorf("CW_POOL_SIZE is not a number: %w", err)
		}
		conf.Settings.ConnectionPoolSize = n
	}
	if tmp = os.Getenv("CW_DB_TYPE"); tmp != "" {
		conf.Database.Type = tmp
	}
	if tmp = os.Getenv("CW_DB_CONN"); tmp != "" {
		conf.Database.Conn = tmp
	}
	if tmp = os.Getenv("CW_BROKER_TYPE"); tmp != "" {
		conf.Broker.Type = tmp
	}
	if tmp = os.Getenv("CW_BROKER_URL"); tmp != "" {
		conf.Broker.URL = tmp
	}
	if tmp = os.Getenv("CW_REST_HOST"); tmp != "" {
		conf.Settings.Rest.Host = tmp
	}
	if tmp = os.Getenv("CW_REST_PORT"); tmp != "" {
		n, err := strconv.Atoi(tmp)
		if err != nil {
			return conf, fmt.Errorf("CW_REST_PORT is not a number: %w", err)
		}
		conf.Settings.Rest.Port = n
	}
	if tmp = os.Getenv("CW_SSL_CERT"); tmp != "" {
		conf.Settings.Rest.SSLCert = tmp
	}
	if tmp = os.Getenv("CW_SSL_KEY"); tmp != "" {
		conf.Settings.Rest.SSLKey = tmp
	}
	if tmp = os.Getenv("CW_ADMIN_API_KEY"); tmp != "" {
		conf.Settings.Multiuser.AdminAPIKey = tmp
	}
	if tmp = os.Getenv("CW_WALLET_SEED"); tmp != "" {
		conf.Settings.WalletSeed = tmp
	}
	if tmp = os.Getenv("CW_COINS"); tmp != "" {
		coins := map[string]Coin{}
		if err := json.Unmarshal([]byte(tmp), &coins); err != nil {
			return conf, fmt.Errorf("cannot parse coins from OS ENV CW_COINS: %w", err)
		}
		conf.Coins = coins
	}

	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

// Validate checks the configuration invariants. It returns an error naming the offending key so
// the module refuses to start on a bad config instead of misbehaving later.
func (c ServiceConfig) Validate() error {
	if c.Settings.ConnectionPoolSize < 1 {
		return fmt.Errorf("module_settings.connection_pool_size must be >= 1, got %d", c.Settings.ConnectionPoolSize)
	}
	if c.Settings.DefaultConfirmations < 1 {
		return fmt.Errorf("module_settings.default_confirmations must be >= 1, got %d", c.Settings.DefaultConfirmations)
	}
	if c.Settings.MaxReconnectAttempts < 1 {
		return fmt.Errorf("module_settings.max_reconnect_attempts must be >= 1, got %d", c.Settings.MaxReconnectAttempts)
	}
	if c.Settings.Rest.Enabled {
		if c.Settings.Rest.Port < 1 || c.Settings.Rest.Port > 65535 {
			return fmt.Errorf("module_settings.rest_api.port out of range: %d", c.Settings.Rest.Port)
		}
		if c.Settings.Rest.RateLimit < 1 {
			return fmt.Errorf("module_settings.rest_api.rate_limit must be >= 1, got %d", c.Settings.Rest.RateLimit)
		}
	}
	if c.Settings.Monitoring.Enabled {
		if c.Settings.Monitoring.PrometheusPort < 1 || c.Settings.Monitoring.PrometheusPort > 65535 {
			return fmt.Errorf("module_settings.monitoring.prometheus_port out of range: %d", c.Settings.Monitoring.PrometheusPort)
		}
		if c.Settings.Monitoring.MetricsPrefix == "" {
			return fmt.Errorf("module_settings.monitoring.metrics_prefix must not be empty")
		}
	}
	if c.Settings.Multiuser.Enabled && c.Settings.Multiuser.SessionTimeout < 60 {
		return fmt.Errorf("module_settings.multiuser.session_timeout must be >= 60, got %d", c.Settings.Multiuser.SessionTimeout)
	}
	if len(c.Coins) == 0 {
		return fmt.Errorf("coins: at least one coin must be configured")
	}
	for sym, coin := range c.Coins {
		if err := validateCoin(sym, coin); err != nil {
			return err
		}
	}
	switch c.Database.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		return fmt.Errorf("database.type must be sqlite, postgresql or mongodb, got %q", c.Database.Type)
	}
	switch c.Broker.Type {
	case "amqp", "kafka", "none", "":
	default:
		return fmt.Errorf("broker.type must be amqp, kafka or none, got %q", c.Broker.Type)
	}
	return nil
}

func validateCoin(sym string, coin Coin) error {
	if coin.Symbol != "" && coin.Symbol != sym {
		return fmt.Errorf("coins.%s: symbol %q does not match its key", sym, coin.Symbol)
	}
	if coin.Name == "" {
		return fmt.Errorf("coins.%s: name must not be empty", sym)
	}
	if coin.Decimals < 0 || coin.Decimals > 18 {
		return fmt.Errorf("coins.%s: decimals out of range 0..18: %d", sym, coin.Decimals)
	}
	if coin.RequiredConfirmations < 1 {
		return fmt.Errorf("coins.%s: required_confirmations must be >= 1, got %d", sym, coin.RequiredConfirmations)
	}
	if coin.CollectionFee < 0 {
		return fmt.Errorf("coins.%s: collection_fee must not be negative", sym)
	}
	if coin.MinCollectionAmount <= coin.CollectionFee {
		return fmt.Errorf("coins.%s: min_collection_amount (%g) must be greater than collection_fee (%g)",
			sym, coin.MinCollectionAmount, coin.CollectionFee)
	}
	u, err := url.Parse(coin.BlockbookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("coins.%s: blockbook_url %q is not a valid http(s) URL", sym, coin.BlockbookURL)
	}
	if coin.AddressType != "" && coin.AddressType != "utxo" && coin.AddressType != "account" {
		return fmt.Errorf("coins.%s: address_type must be utxo or account, got %q", sym, coin.AddressType)
	}
	return nil
}
