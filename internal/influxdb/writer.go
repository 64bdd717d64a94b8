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

// Package influxdb records the value history of simulated points.
//
// Each registry event becomes one point of the point_values measurement:
//
//	point_values,device_id=1234,instance=7,name=T1,type=AI value=23.5
//
// Writes are batched by the client library and never block the registry.
package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

// Measurement is the measurement name of every written point.
const Measurement = "point_values"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = time.Second
)

// Writer streams point values to one InfluxDB bucket.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	device   registry.Device
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect pings the server and prepares the non-blocking write API.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, device registry.Device, logger *slog.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s: server not healthy", ErrConnectionFailed, cfg.URL)
	}

	w := &Writer{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		device:    device,
		logger:    logger.With(slog.String("component", "influxdb")),
		connected: true,
	}
	go w.handleWriteErrors(w.writeAPI.Errors())

	w.logger.Info("InfluxDB connected",
		slog.String("url", cfg.URL),
		slog.String("org", cfg.Org),
		slog.String("bucket", cfg.Bucket),
	)
	return w, nil
}

// handleWriteErrors logs async batch failures until the client closes the
// channel.
func (w *Writer) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		w.logger.Warn("InfluxDB write failed", slog.String("error", err.Error()))
	}
}

// OnEvent is a registry.Listener. The read lock keeps Close from tearing the
// write API down mid-call.
func (w *Writer) OnEvent(ev registry.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return
	}
	w.writeAPI.WritePoint(NewPoint(w.device.ID, ev))
}

// NewPoint converts a registry event to a line-protocol point.
func NewPoint(deviceID uint32, ev registry.Event) *write.Point {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		Measurement,
		map[string]string{
			"device_id": strconv.FormatUint(uint64(deviceID), 10),
			"type":      ev.Point.Kind.Code(),
			"instance":  strconv.FormatUint(uint64(ev.Point.Instance), 10),
			"name":      ev.Point.Name,
		},
		map[string]interface{}{
			"value": ev.Point.Value,
		},
		at,
	)
}

// HealthCheck pings the server. It backs the influxdb entry of /health.
func (w *Writer) HealthCheck(ctx context.Context) error {
	if !w.isConnected() {
		return ErrNotConnected
	}
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := w.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

func (w *Writer) isConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Close flushes pending writes and closes the client. It is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	w.mu.Unlock()

	w.writeAPI.Flush()
	w.client.Close()
	w.logger.Info("InfluxDB closed")
	return nil
}
