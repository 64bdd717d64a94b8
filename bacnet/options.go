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
	"log/slog"
	"time"
)

// DeviceConfig describes the device object a Server exposes.
type DeviceConfig struct {
	Instance         uint32
	Name             string
	Description      string
	Location         string
	VendorID         uint16
	VendorName       string
	ModelName        string
	FirmwareRevision string
	SoftwareVersion  string
	MaxAPDULength    uint16
	Segmentation     Segmentation
	ProtocolRevision uint8
	APDUTimeout      time.Duration
	APDURetries      uint8
}

// DefaultDeviceConfig returns the identity of the stock simulated device.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Instance:         1234,
		Name:             "PythonSimDevice",
		VendorID:         999,
		VendorName:       "BACnet Simulator",
		ModelName:        "bacnet-sim",
		FirmwareRevision: "1.0",
		SoftwareVersion:  "1.0",
		MaxAPDULength:    1024,
		Segmentation:     SegmentationNone,
		ProtocolRevision: 14,
		APDUTimeout:      3 * time.Second,
		APDURetries:      3,
	}
}

type serverOptions struct {
	device        DeviceConfig
	listenAddress string
	broadcastAddr string
	announce      bool
	pollInterval  time.Duration
	logger        *slog.Logger
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		device:        DefaultDeviceConfig(),
		listenAddress: "0.0.0.0:47808",
		announce:      true,
		pollInterval:  100 * time.Millisecond,
		logger:        slog.Default(),
	}
}

// ServerOption is a functional option for configuring the server
type ServerOption func(*serverOptions)

// WithDevice sets the device object identity
func WithDevice(cfg DeviceConfig) ServerOption {
	return func(o *serverOptions) {
		o.device = cfg
	}
}

// WithListenAddress sets the UDP address the server binds to
func WithListenAddress(addr string) ServerOption {
	return func(o *serverOptions) {
		o.listenAddress = addr
	}
}

// WithBroadcastAddress sets the directed broadcast address used for the
// start-up I-Am, as "ip" or "ip:port". A bare IP is sent to the server's own
// port. The limited broadcast address is used when empty.
func WithBroadcastAddress(addr string) ServerOption {
	return func(o *serverOptions) {
		o.broadcastAddr = addr
	}
}

// WithAnnounce enables or disables the I-Am broadcast on start
func WithAnnounce(enable bool) ServerOption {
	return func(o *serverOptions) {
		o.announce = enable
	}
}

// WithServerLogger sets the logger for the server
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type clientOptions struct {
	localAddress string
	timeout      time.Duration
	logger       *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		timeout: 3 * time.Second,
		logger:  slog.Default(),
	}
}

// Option is a functional option for configuring the client
type Option func(*clientOptions)

// WithLocalAddress sets the local address to bind to
func WithLocalAddress(addr string) Option {
	return func(o *clientOptions) {
		o.localAddress = addr
	}
}

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// DiscoverOptions holds configuration for device discovery
type DiscoverOptions struct {
	LowLimit  *uint32
	HighLimit *uint32
	Timeout   time.Duration

	// Target receives the Who-Is by unicast instead of broadcast.
	Target string
	Port   int
}

// DiscoverOption is a functional option for discovery
type DiscoverOption func(*DiscoverOptions)

func defaultDiscoverOptions() *DiscoverOptions {
	return &DiscoverOptions{
		Timeout: 3 * time.Second,
		Port:    DefaultPort,
	}
}

// WithDeviceRange sets the device ID range for discovery
func WithDeviceRange(low, high uint32) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.LowLimit = &low
		o.HighLimit = &high
	}
}

// WithDiscoveryTimeout sets how long to collect I-Am answers
func WithDiscoveryTimeout(d time.Duration) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Timeout = d
	}
}

// WithDiscoveryTarget sends the Who-Is to one host:port instead of broadcasting
func WithDiscoveryTarget(addr string) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Target = addr
	}
}

// WithBroadcastPort sets the UDP port a broadcast Who-Is goes to
func WithBroadcastPort(port int) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Port = port
	}
}

// ReadOptions holds configuration for read operations
type ReadOptions struct {
	ArrayIndex *uint32
}

// ReadOption is a functional option for read operations
type ReadOption func(*ReadOptions)

// WithArrayIndex sets the array index for reading array properties
func WithArrayIndex(index uint32) ReadOption {
	return func(o *ReadOptions) {
		o.ArrayIndex = &index
	}
}

// WriteOptions holds configuration for write operations
type WriteOptions struct {
	ArrayIndex *uint32
	Priority   uint8
}

// WriteOption is a functional option for write operations
type WriteOption func(*WriteOptions)

// WithPriority sets the priority for writing (1-16, where 1 is highest)
func WithPriority(priority uint8) WriteOption {
	return func(o *WriteOptions) {
		if priority >= 1 && priority <= 16 {
			o.Priority = priority
		}
	}
}
