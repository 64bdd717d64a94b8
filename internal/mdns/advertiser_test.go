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

package mdns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/logging"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

var testDevice = registry.Device{ID: 1234, Name: "PythonSimDevice"}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(config.MDNSConfig{}, testDevice, 5000, 47808)

	assert.Equal(t, "bacnet-sim-1234", svc.Instance)
	assert.Equal(t, "_bacnet-sim._tcp", svc.Service)
	assert.Equal(t, "local.", svc.Domain)
	assert.Equal(t, 5000, svc.Port)
	assert.Equal(t, []string{"device_id=1234", "bacnet_port=47808", "path=/objects"}, svc.Text)
}

func TestNewServiceOverrides(t *testing.T) {
	svc := NewService(config.MDNSConfig{
		Instance: "lab-sim",
		Service:  "_sim._tcp",
		Domain:   "example.",
	}, testDevice, 8080, 47809)

	assert.Equal(t, "lab-sim", svc.Instance)
	assert.Equal(t, "_sim._tcp", svc.Service)
	assert.Equal(t, "example.", svc.Domain)
	assert.Contains(t, svc.Text, "bacnet_port=47809")
}

func TestAdvertiseDisabled(t *testing.T) {
	_, err := Advertise(config.MDNSConfig{}, NewService(config.MDNSConfig{}, testDevice, 5000, 47808), logging.Discard())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestAdvertiseAndClose(t *testing.T) {
	if testing.Short() {
		t.Skip("mdns registration touches real interfaces")
	}
	cfg := config.MDNSConfig{Enabled: true}
	a, err := Advertise(cfg, NewService(cfg, testDevice, 5000, 47808), logging.Discard())
	if err != nil {
		t.Skipf("multicast not available: %v", err)
	}

	assert.Equal(t, "bacnet-sim-1234", a.Service().Instance)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
