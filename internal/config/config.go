// Package config loads the gateway configuration from a YAML file.
// Every option is read once at start-up; nothing is reloaded at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML document.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	BLE      BLEConfig      `yaml:"ble"`
	Transfer TransferConfig `yaml:"transfer"`
	Scan     ScanConfig     `yaml:"scan"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// BrokerConfig describes the MQTT command channel.
type BrokerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	BaseTopic      string        `yaml:"base_topic"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QoS            byte          `yaml:"qos"`
}

// URL returns the broker address in the form the MQTT client expects.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// BLEConfig describes the peripheral GATT layout and link timing.
type BLEConfig struct {
	ServiceUUID          string        `yaml:"service_uuid"`
	CharacteristicUUID   string        `yaml:"characteristic_uuid"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	// WriteWithoutResponse stands in for the characteristic capability
	// check, which the BLE stack does not expose.
	WriteWithoutResponse bool          `yaml:"write_without_response"`
}

// TransferConfig bounds a transfer session.
type TransferConfig struct {
	MaxConnectRetries int           `yaml:"max_connect_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
	// ArmTimeoutOnStart also applies the receive timeout before the first
	// fragment has arrived.
	ArmTimeoutOnStart bool          `yaml:"arm_timeout_on_start"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// ScanConfig drives the discovery feature.
type ScanConfig struct {
	Duration   time.Duration `yaml:"duration"`
	NamePrefix string        `yaml:"name_prefix"`
}

// GatewayConfig holds the local HTTP API settings. An empty ListenAddr
// disables the API.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StoreConfig locates the SQLite history database.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:           "localhost",
			Port:           1883,
			ClientIDPrefix: "aintinksmart-gateway-",
			BaseTopic:      "aintinksmart/gateway",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		BLE: BLEConfig{
			ServiceUUID:          "00001523-1212-efde-1523-785feabcd123",
			CharacteristicUUID:   "00001525-1212-efde-1523-785feabcd123",
			ConnectTimeout:       10 * time.Second,
			SettleDelay:          20 * time.Millisecond,
			WriteWithoutResponse: true,
		},
		Transfer: TransferConfig{
			MaxConnectRetries: 4,
			RetryBackoff:      5 * time.Second,
			ReceiveTimeout:    15 * time.Second,
			TickInterval:      10 * time.Millisecond,
		},
		Scan: ScanConfig{
			Duration:   15 * time.Second,
			NamePrefix: "easytag",
		},
		Gateway: GatewayConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Store: StoreConfig{
			Path:          "aintinksmart.db",
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Broker.Host) != "", "broker.host must be set")
	check(c.Broker.Port > 0 && c.Broker.Port < 65536, "broker.port %d out of range", c.Broker.Port)
	check(c.Broker.QoS <= 2, "broker.qos must be 0, 1 or 2")
	check(c.Broker.KeepAlive > 0, "broker.keepalive must be positive")
	check(c.Broker.ConnectTimeout > 0, "broker.connect_timeout must be positive")
	check(c.BLE.ServiceUUID != "", "ble.service_uuid must be set")
	check(c.BLE.CharacteristicUUID != "", "ble.characteristic_uuid must be set")
	check(c.BLE.ConnectTimeout > 0, "ble.connect_timeout must be positive")
	check(c.BLE.SettleDelay >= 0, "ble.settle_delay must not be negative")
	check(c.Transfer.MaxConnectRetries > 0, "transfer.max_connect_retries must be positive")
	check(c.Transfer.RetryBackoff >= 0, "transfer.retry_backoff must not be negative")
	check(c.Transfer.ReceiveTimeout > 0, "transfer.receive_timeout must be positive")
	check(c.Transfer.TickInterval > 0, "transfer.tick_interval must be positive")
	check(c.Scan.Duration > 0, "scan.duration must be positive")
	check(c.Store.Path != "", "store.path must be set")
	check(c.Store.Retention >= 0, "store.retention must not be negative")
	check(c.Store.PruneInterval > 0, "store.prune_interval must be positive")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
}
