// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the simulator configuration.
//
// Values are resolved in this order, later sources winning:
//
//  1. built-in defaults
//  2. the YAML config file, when one is found
//  3. BACNET_* environment variables, including those from a .env file
//  4. command-line flags bound to the same viper instance
//
// Nested keys map to variables by upper-casing and replacing dots with
// underscores: device.id becomes BACNET_DEVICE_ID.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BACNET"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the root configuration.
type Config struct {
	Device       DeviceConfig   `mapstructure:"device" yaml:"device"`
	API          APIConfig      `mapstructure:"api" yaml:"api"`
	Logging      LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	MQTT         MQTTConfig     `mapstructure:"mqtt" yaml:"mqtt"`
	InfluxDB     InfluxDBConfig `mapstructure:"influxdb" yaml:"influxdb"`
	MDNS         MDNSConfig     `mapstructure:"mdns" yaml:"mdns"`
	Seed         []SeedPoint    `mapstructure:"seed" yaml:"seed"`
	SeedDefaults bool           `mapstructure:"seed_defaults" yaml:"seed_defaults"`
}

// DeviceConfig describes the simulated BACnet device and its socket.
type DeviceConfig struct {
	ID          uint32 `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Description string `mapstructure:"description" yaml:"description"`
	Location    string `mapstructure:"location" yaml:"location"`
	VendorID    uint16 `mapstructure:"vendor_id" yaml:"vendor_id"`
	VendorName  string `mapstructure:"vendor_name" yaml:"vendor_name"`
	ModelName   string `mapstructure:"model_name" yaml:"model_name"`
	MaxAPDU     uint16 `mapstructure:"max_apdu" yaml:"max_apdu"`

	// Address is the IP the device identifies with. Empty means detect.
	Address   string `mapstructure:"address" yaml:"address"`
	PrefixLen int    `mapstructure:"prefix_len" yaml:"prefix_len"`
	Port      int    `mapstructure:"port" yaml:"port"`
	// Bind is the UDP listen IP. Broadcasts only reach a wildcard bind.
	Bind string `mapstructure:"bind" yaml:"bind"`
	// Broadcast is where the start-up I-Am goes, as "ip" or "ip:port".
	// Empty means the subnet broadcast of Address on Port.
	Broadcast string `mapstructure:"broadcast" yaml:"broadcast"`
	Announce  bool   `mapstructure:"announce" yaml:"announce"`
}

// APIConfig contains HTTP management API settings.
type APIConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MQTTConfig contains the state publisher settings.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker         string        `mapstructure:"broker" yaml:"broker"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS            byte          `mapstructure:"qos" yaml:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// InfluxDBConfig contains the value history writer settings.
type InfluxDBConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	URL           string        `mapstructure:"url" yaml:"url"`
	Token         string        `mapstructure:"token" yaml:"token"`
	Org           string        `mapstructure:"org" yaml:"org"`
	Bucket        string        `mapstructure:"bucket" yaml:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// MDNSConfig contains the service advertisement settings.
type MDNSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Instance string `mapstructure:"instance" yaml:"instance"`
	Service  string `mapstructure:"service" yaml:"service"`
	Domain   string `mapstructure:"domain" yaml:"domain"`
}

// SeedPoint is a point created at start-up.
type SeedPoint struct {
	Type  string  `mapstructure:"type" yaml:"type"`
	ID    uint32  `mapstructure:"id" yaml:"id"`
	Name  string  `mapstructure:"name" yaml:"name"`
	Value float64 `mapstructure:"value" yaml:"value"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment overrides to apply on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device.id", 1234)
	v.SetDefault("device.name", "PythonSimDevice")
	v.SetDefault("device.description", "")
	v.SetDefault("device.location", "")
	v.SetDefault("device.vendor_id", 999)
	v.SetDefault("device.vendor_name", "BACnet Simulator")
	v.SetDefault("device.model_name", "bacnet-sim")
	v.SetDefault("device.max_apdu", 1024)
	v.SetDefault("device.address", "")
	v.SetDefault("device.prefix_len", 24)
	v.SetDefault("device.port", 47808)
	v.SetDefault("device.bind", "0.0.0.0")
	v.SetDefault("device.broadcast", "")
	v.SetDefault("device.announce", true)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 5000)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.idle_timeout", 60*time.Second)
	v.SetDefault("api.cors_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "bacnet-sim")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "bacnet")
	v.SetDefault("influxdb.batch_size", 100)
	v.SetDefault("influxdb.flush_interval", time.Second)

	v.SetDefault("mdns.enabled", false)
	v.SetDefault("mdns.instance", "")
	v.SetDefault("mdns.service", "_bacnet-sim._tcp")
	v.SetDefault("mdns.domain", "local.")

	v.SetDefault("seed", []SeedPoint{})
	v.SetDefault("seed_defaults", true)
}

// Load resolves the configuration into v and returns it validated. An empty
// path searches ./bacnet-sim.yaml and $HOME/bacnet-sim.yaml; a missing file
// is not an error unless path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bacnet-sim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads .env style files into the process environment. Variables
// already set win. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks the configuration for values the simulator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Device.ID <= 4194302, "device.id %d exceeds 4194302", c.Device.ID)
	check(c.Device.Name != "", "device.name is required")
	check(c.Device.Port > 0 && c.Device.Port < 65536, "device.port %d out of range", c.Device.Port)
	check(c.Device.PrefixLen >= 0 && c.Device.PrefixLen <= 32, "device.prefix_len %d out of range", c.Device.PrefixLen)
	check(c.Device.MaxAPDU >= 50 && c.Device.MaxAPDU <= 1476, "device.max_apdu %d out of range", c.Device.MaxAPDU)
	check(c.API.Port > 0 && c.API.Port < 65536, "api.port %d out of range", c.API.Port)

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		check(false, "logging.level %q unknown", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		check(false, "logging.format %q unknown", c.Logging.Format)
	}

	if c.MQTT.Enabled {
		check(c.MQTT.Broker != "", "mqtt.broker is required when mqtt is enabled")
		check(c.MQTT.QoS <= 2, "mqtt.qos %d out of range", c.MQTT.QoS)
	}
	if c.InfluxDB.Enabled {
		check(c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
		check(c.InfluxDB.Org != "", "influxdb.org is required when influxdb is enabled")
		check(c.InfluxDB.Bucket != "", "influxdb.bucket is required when influxdb is enabled")
	}
	for i, p := range c.Seed {
		check(p.Name != "", "seed[%d].name is required", i)
	}

	return errors.Join(errs...)
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return out, nil
}

// ListenAddress is the UDP address the BACnet server binds.
func (d DeviceConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", d.Bind, d.Port)
}

// Addr is the HTTP listen address.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
