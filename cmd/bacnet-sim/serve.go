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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
	"github.com/rodopg1989/bacnet-simulator/internal/adapter"
	"github.com/rodopg1989/bacnet-simulator/internal/api"
	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/influxdb"
	"github.com/rodopg1989/bacnet-simulator/internal/mdns"
	"github.com/rodopg1989/bacnet-simulator/internal/mqtt"
	"github.com/rodopg1989/bacnet-simulator/internal/netaddr"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulated BACnet device and its management API",
	Long: `Serve starts the simulated device on BACnet/IP and the HTTP management API.

The device answers Who-Is, ReadProperty, ReadPropertyMultiple and
WriteProperty. Points are created and changed through the API; network
writes land in the same registry.

Examples:
  # Defaults: device 1234 on UDP 47808, API on :5000
  bacnet-sim serve

  # Different identity and ports
  bacnet-sim serve --device-id 2001 --bacnet-port 47809 --api-port 8080

  # Publish values to MQTT
  BACNET_MQTT_ENABLED=true BACNET_MQTT_BROKER=tcp://broker:1883 bacnet-sim serve`,

	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Uint32("device-id", 1234, "BACnet device instance")
	f.String("device-name", "PythonSimDevice", "BACnet device object name")
	f.String("address", "", "Device IPv4 address (default: detected)")
	f.Int("bacnet-port", bacnet.DefaultPort, "BACnet/IP UDP port")
	f.String("api-host", "0.0.0.0", "Management API listen host")
	f.Int("api-port", 5000, "Management API listen port")
	f.Bool("no-seed", false, "Do not create the default points")

	v.BindPFlag("device.id", f.Lookup("device-id"))
	v.BindPFlag("device.name", f.Lookup("device-name"))
	v.BindPFlag("device.address", f.Lookup("address"))
	v.BindPFlag("device.port", f.Lookup("bacnet-port"))
	v.BindPFlag("api.host", f.Lookup("api-host"))
	v.BindPFlag("api.port", f.Lookup("api-port"))
}

// closer is what the serve loop shuts down, in reverse start order.
type closer struct {
	name string
	fn   func() error
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	noSeed, _ := cmd.Flags().GetBool("no-seed")
	if noSeed {
		cfg.SeedDefaults = false
	}

	local, err := netaddr.Resolve(cfg.Device.Address, cfg.Device.PrefixLen, cfg.Device.Port)
	if err != nil {
		return err
	}
	logger.Info("local address resolved",
		slog.String("address", local.String()),
		slog.Bool("detected", local.Detected),
	)

	server, err := bacnet.NewServer(
		bacnet.WithDevice(deviceConfig(cfg.Device)),
		bacnet.WithListenAddress(cfg.Device.ListenAddress()),
		bacnet.WithBroadcastAddress(broadcastAddress(cfg.Device, local)),
		bacnet.WithAnnounce(cfg.Device.Announce),
		bacnet.WithServerLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create BACnet server: %w", err)
	}
	stack := adapter.New(server, logger)

	device := registry.Device{ID: cfg.Device.ID, Name: cfg.Device.Name, Address: local.String()}
	reg := registry.New(device, stack, registry.WithLogger(logger))
	stack.Bind(reg)

	if err := seed(reg, cfg); err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start BACnet server on %s: %w", cfg.Device.ListenAddress(), err)
	}
	closers := []closer{{"bacnet", server.Close}}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				logger.Warn("shutdown error", slog.String("component", closers[i].name), slog.String("error", err.Error()))
			}
		}
	}()

	sinks, checks := startSinks(ctx, reg, device)
	closers = append(closers, sinks...)

	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   logger,
		Registry: reg,
		BACnet:   server,
		Checks:   checks,
		Version:  version,
	})
	if err != nil {
		return err
	}
	if err := apiServer.Start(ctx); err != nil {
		return err
	}
	closers = append(closers, closer{"api", apiServer.Close})

	logger.Info("simulator running",
		slog.Uint64("device_id", uint64(device.ID)),
		slog.String("bacnet", server.LocalAddr().String()),
		slog.String("api", apiServer.Addr().String()),
		slog.Int("points", reg.Len()),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// startSinks starts the optional outputs. A sink that fails to start is
// logged and skipped. The returned checks feed /health.
func startSinks(ctx context.Context, reg *registry.Registry, device registry.Device) ([]closer, map[string]api.HealthCheck) {
	var closers []closer
	checks := make(map[string]api.HealthCheck)

	if cfg.MQTT.Enabled {
		pub, err := mqtt.Connect(cfg.MQTT, device, reg, logger)
		if err != nil {
			logger.Error("MQTT publisher disabled", slog.String("error", err.Error()))
		} else {
			pub.Start()
			reg.OnChange(pub.OnEvent)
			pub.PublishAll(reg.Snapshot())
			closers = append(closers, closer{"mqtt", pub.Close})
			checks["mqtt"] = pub.HealthCheck
		}
	}

	if cfg.InfluxDB.Enabled {
		w, err := influxdb.Connect(ctx, cfg.InfluxDB, device, logger)
		if err != nil {
			logger.Error("InfluxDB writer disabled", slog.String("error", err.Error()))
		} else {
			reg.OnChange(w.OnEvent)
			closers = append(closers, closer{"influxdb", w.Close})
			checks["influxdb"] = w.HealthCheck
		}
	}

	if cfg.MDNS.Enabled {
		svc := mdns.NewService(cfg.MDNS, device, cfg.API.Port, cfg.Device.Port)
		adv, err := mdns.Advertise(cfg.MDNS, svc, logger)
		if err != nil {
			logger.Error("mDNS advertisement disabled", slog.String("error", err.Error()))
		} else {
			closers = append(closers, closer{"mdns", adv.Close})
		}
	}

	return closers, checks
}

func deviceConfig(d config.DeviceConfig) bacnet.DeviceConfig {
	dc := bacnet.DefaultDeviceConfig()
	dc.Instance = d.ID
	dc.Name = d.Name
	dc.Description = d.Description
	dc.Location = d.Location
	dc.VendorID = d.VendorID
	dc.VendorName = d.VendorName
	dc.ModelName = d.ModelName
	dc.MaxAPDULength = d.MaxAPDU
	dc.SoftwareVersion = version
	return dc
}

func broadcastAddress(d config.DeviceConfig, local netaddr.Local) string {
	if d.Broadcast != "" {
		return d.Broadcast
	}
	return net.JoinHostPort(local.Broadcast().String(), strconv.Itoa(d.Port))
}

// seed applies configured points first, then the defaults. Keys already
// present are skipped.
func seed(reg *registry.Registry, c *config.Config) error {
	points := make([]registry.Point, 0, len(c.Seed))
	for _, sp := range c.Seed {
		kind, err := registry.ParseKind(sp.Type)
		if err != nil {
			return fmt.Errorf("seed %s %d: %w", sp.Type, sp.ID, err)
		}
		points = append(points, registry.Point{Kind: kind, Instance: sp.ID, Name: sp.Name, Value: sp.Value})
	}
	if c.SeedDefaults {
		points = append(points, registry.DefaultSeed...)
	}
	return reg.Seed(points)
}
