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

// Package mdns advertises the management API over multicast DNS so tools on
// the LAN can find running simulators without knowing their address.
package mdns

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

// Defaults used when the configuration leaves a field empty.
const (
	DefaultService = "_bacnet-sim._tcp"
	DefaultDomain  = "local."
	DefaultTTL     = 120
)

// ErrDisabled is returned by Advertise when mdns.enabled is false.
var ErrDisabled = errors.New("mdns: advertiser disabled")

// Service is what gets registered.
type Service struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	Text     []string
}

// NewService fills the service record of a device. apiPort is the advertised
// port; bacnetPort only appears in TXT.
func NewService(cfg config.MDNSConfig, device registry.Device, apiPort, bacnetPort int) Service {
	svc := Service{
		Instance: cfg.Instance,
		Service:  cfg.Service,
		Domain:   cfg.Domain,
		Port:     apiPort,
		Text: []string{
			"device_id=" + strconv.FormatUint(uint64(device.ID), 10),
			"bacnet_port=" + strconv.Itoa(bacnetPort),
			"path=/objects",
		},
	}
	if svc.Instance == "" {
		svc.Instance = fmt.Sprintf("bacnet-sim-%d", device.ID)
	}
	if svc.Service == "" {
		svc.Service = DefaultService
	}
	if svc.Domain == "" {
		svc.Domain = DefaultDomain
	}
	return svc
}

// Advertiser keeps one service registered until Close.
type Advertiser struct {
	service Service
	logger  *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the service on all multicast interfaces.
func Advertise(cfg config.MDNSConfig, svc Service, logger *slog.Logger) (*Advertiser, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	server, err := zeroconf.Register(
		svc.Instance,
		svc.Service,
		svc.Domain,
		svc.Port,
		svc.Text,
		nil,
		zeroconf.TTL(DefaultTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("mdns: register %s.%s: %w", svc.Instance, svc.Service, err)
	}

	a := &Advertiser{
		service: svc,
		logger:  logger.With(slog.String("component", "mdns")),
		server:  server,
	}
	a.logger.Info("mDNS service registered",
		slog.String("instance", svc.Instance),
		slog.String("service", svc.Service),
		slog.String("domain", svc.Domain),
		slog.Int("port", svc.Port),
	)
	return a, nil
}

func (a *Advertiser) Service() Service {
	return a.service
}

// Close withdraws the service. It is idempotent.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS service withdrawn", slog.String("instance", a.service.Instance))
	return nil
}
