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

package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/logging"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

var testDevice = registry.Device{ID: 1234, Name: "PythonSimDevice"}

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	query  []string
	health int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(f.health)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.query = append(f.query, r.URL.RawQuery)
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "sim",
		Bucket:        "bacnet",
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}
}

func TestNewPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	p := NewPoint(1234, registry.Event{
		Type:  registry.EventUpdated,
		Point: registry.Point{Kind: registry.AnalogInput, Instance: 7, Name: "T1", Value: 23.5},
		At:    at,
	})

	line := strings.TrimSpace(write.PointToLineProtocol(p, time.Second))
	assert.Equal(t, "point_values,device_id=1234,instance=7,name=T1,type=AI value=23.5 1700000000", line)
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false
	_, err := Connect(context.Background(), cfg, testDevice, logging.Discard())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestConnectUnhealthy(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{health: http.StatusServiceUnavailable})
	defer srv.Close()

	_, err := Connect(context.Background(), testConfig(srv.URL), testDevice, logging.Discard())
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestRegistryEventsAreWritten(t *testing.T) {
	fake := &fakeInflux{health: http.StatusNoContent}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w, err := Connect(context.Background(), testConfig(srv.URL), testDevice, logging.Discard())
	require.NoError(t, err)
	require.True(t, w.isConnected())
	require.NoError(t, w.HealthCheck(context.Background()))

	reg := registry.New(testDevice, nil)
	reg.OnChange(w.OnEvent)
	require.NoError(t, reg.Seed(registry.DefaultSeed))
	_, err = reg.UpdateValue(registry.AnalogValue, 1, 19)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.HealthCheck(context.Background()), ErrNotConnected)

	require.Eventually(t, func() bool { return len(fake.written()) == 5 }, 2*time.Second, 10*time.Millisecond)
	lines := fake.written()
	assert.True(t, strings.HasPrefix(lines[0], "point_values,device_id=1234,instance=1,name=TempSensor1,type=AI value=22.5 "), lines[0])
	assert.True(t, strings.HasPrefix(lines[4], "point_values,device_id=1234,instance=1,name=Setpoint1,type=AV value=19 "), lines[4])

	fake.mu.Lock()
	assert.Contains(t, fake.query[0], "bucket=bacnet")
	assert.Contains(t, fake.query[0], "org=sim")
	fake.mu.Unlock()

	// closed writers drop events
	w.OnEvent(registry.Event{Point: registry.DefaultSeed[0]})
}
