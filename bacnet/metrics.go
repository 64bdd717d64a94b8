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

package bacnet

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a thread-safe counter
type Counter struct {
	value atomic.Int64
}

// Add adds a delta to the counter
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.Add(1)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Gauge is a thread-safe gauge that can go up and down
type Gauge struct {
	value atomic.Int64
}

// Set sets the gauge value
func (g *Gauge) Set(value int64) {
	g.value.Store(value)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// LatencyHistogram tracks latency measurements
type LatencyHistogram struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

// Record records a latency measurement
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.count++
	h.sum += d
}

// Stats returns histogram statistics
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{Count: h.count}
	if h.count > 0 {
		stats.Min = h.min
		stats.Max = h.max
		stats.Avg = h.sum / time.Duration(h.count)
	}
	return stats
}

// LatencyStats contains latency statistics
type LatencyStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Avg   time.Duration `json:"avg_ns"`
}

// Metrics holds protocol counters. A Server fills the served side and a
// Client the requesting side.
type Metrics struct {
	// Served
	RequestsReceived Counter
	WhoIsReceived    Counter
	IAmSent          Counter
	ReadsServed      Counter
	WritesServed     Counter
	WritesRejected   Counter
	ErrorsSent       Counter
	RejectsSent      Counter
	AbortsSent       Counter
	DecodeErrors     Counter
	HandleLatency    LatencyHistogram

	// Requested
	RequestsSent      Counter
	RequestsSucceeded Counter
	RequestsFailed    Counter
	RequestsTimedOut  Counter
	IAmReceived       Counter
	DevicesDiscovered Counter
	RequestLatency    LatencyHistogram
	ActiveRequests    Gauge

	BytesSent     Counter
	BytesReceived Counter
	Objects       Gauge

	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordActivity records the last activity time
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity time
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Uptime returns the time since metrics started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: m.Uptime(),

		RequestsReceived: m.RequestsReceived.Value(),
		WhoIsReceived:    m.WhoIsReceived.Value(),
		IAmSent:          m.IAmSent.Value(),
		ReadsServed:      m.ReadsServed.Value(),
		WritesServed:     m.WritesServed.Value(),
		WritesRejected:   m.WritesRejected.Value(),
		ErrorsSent:       m.ErrorsSent.Value(),
		RejectsSent:      m.RejectsSent.Value(),
		AbortsSent:       m.AbortsSent.Value(),
		DecodeErrors:     m.DecodeErrors.Value(),
		HandleLatency:    m.HandleLatency.Stats(),

		RequestsSent:      m.RequestsSent.Value(),
		RequestsSucceeded: m.RequestsSucceeded.Value(),
		RequestsFailed:    m.RequestsFailed.Value(),
		RequestsTimedOut:  m.RequestsTimedOut.Value(),
		IAmReceived:       m.IAmReceived.Value(),
		DevicesDiscovered: m.DevicesDiscovered.Value(),
		RequestLatency:    m.RequestLatency.Stats(),

		BytesSent:     m.BytesSent.Value(),
		BytesReceived: m.BytesReceived.Value(),
		Objects:       m.Objects.Value(),

		LastActivity: m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration `json:"uptime_ns"`

	RequestsReceived int64        `json:"requests_received"`
	WhoIsReceived    int64        `json:"whois_received"`
	IAmSent          int64        `json:"iam_sent"`
	ReadsServed      int64        `json:"reads_served"`
	WritesServed     int64        `json:"writes_served"`
	WritesRejected   int64        `json:"writes_rejected"`
	ErrorsSent       int64        `json:"errors_sent"`
	RejectsSent      int64        `json:"rejects_sent"`
	AbortsSent       int64        `json:"aborts_sent"`
	DecodeErrors     int64        `json:"decode_errors"`
	HandleLatency    LatencyStats `json:"handle_latency"`

	RequestsSent      int64        `json:"requests_sent"`
	RequestsSucceeded int64        `json:"requests_succeeded"`
	RequestsFailed    int64        `json:"requests_failed"`
	RequestsTimedOut  int64        `json:"requests_timed_out"`
	IAmReceived       int64        `json:"iam_received"`
	DevicesDiscovered int64        `json:"devices_discovered"`
	RequestLatency    LatencyStats `json:"request_latency"`

	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
	Objects       int64 `json:"objects"`

	LastActivity time.Time `json:"last_activity"`
}
