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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, uint32(1234), cfg.Device.ID)
	assert.Equal(t, "PythonSimDevice", cfg.Device.Name)
	assert.Equal(t, uint16(999), cfg.Device.VendorID)
	assert.Equal(t, uint16(1024), cfg.Device.MaxAPDU)
	assert.Equal(t, 47808, cfg.Device.Port)
	assert.Equal(t, 24, cfg.Device.PrefixLen)
	assert.Empty(t, cfg.Device.Address)
	assert.Equal(t, "0.0.0.0:47808", cfg.Device.ListenAddress())
	assert.Equal(t, 5000, cfg.API.Port)
	assert.Equal(t, 10*time.Second, cfg.API.ReadTimeout)
	assert.True(t, cfg.SeedDefaults)
	assert.Empty(t, cfg.Seed)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "sim.yaml", `
device:
  id: 4321
  name: Lab
  address: 10.0.0.5
api:
  port: 8080
  read_timeout: 3s
logging:
  level: debug
  format: json
seed_defaults: false
seed:
  - type: AV
    id: 10
    name: Setpoint
    value: 19.5
  - type: BV
    id: 2
    name: Fan
    value: 1
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, uint32(4321), cfg.Device.ID)
	assert.Equal(t, "Lab", cfg.Device.Name)
	assert.Equal(t, "10.0.0.5", cfg.Device.Address)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 3*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.SeedDefaults)
	require.Len(t, cfg.Seed, 2)
	assert.Equal(t, SeedPoint{Type: "AV", ID: 10, Name: "Setpoint", Value: 19.5}, cfg.Seed[0])
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "sim.yaml", "device:\n  id: 4321\n")
	t.Setenv("BACNET_DEVICE_ID", "77")
	t.Setenv("BACNET_MQTT_ENABLED", "true")
	t.Setenv("BACNET_MQTT_BROKER", "tcp://broker:1883")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), cfg.Device.ID)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
}

func TestExplicitMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load(viper.New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"instance too large", func(c *Config) { c.Device.ID = 4194303 }},
		{"empty device name", func(c *Config) { c.Device.Name = "" }},
		{"bad port", func(c *Config) { c.Device.Port = 0 }},
		{"bad prefix", func(c *Config) { c.Device.PrefixLen = 33 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"influx without org", func(c *Config) { c.InfluxDB.Enabled = true }},
		{"unnamed seed", func(c *Config) { c.Seed = []SeedPoint{{Type: "AI", ID: 1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestMarshal(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "name: PythonSimDevice")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Device, back.Device)
	assert.Equal(t, cfg.API.ReadTimeout, back.API.ReadTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	const key = "BACNET_DOTENV_CHECK"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeFile(t, ".env", key+"=from-file\n")
	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "from-file", os.Getenv(key))

	t.Setenv(key, "from-env")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv(key))
}
