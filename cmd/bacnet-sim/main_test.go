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
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
	"github.com/rodopg1989/bacnet-simulator/internal/adapter"
	"github.com/rodopg1989/bacnet-simulator/internal/api"
	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/logging"
	"github.com/rodopg1989/bacnet-simulator/internal/netaddr"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"null", nil},
		{"true", true},
		{"Active", true},
		{"off", false},
		{`"hello world"`, "hello world"},
		{"'x'", "x"},
		{"22.5", float32(22.5)},
		{"1e3", float32(1000)},
		{"0", uint32(0)},
		{"75", uint32(75)},
		{"-4", int32(-4)},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseValue("")
	assert.Error(t, err)
	_, err = parseValue("99999999999")
	assert.Error(t, err)
}

func TestCoerceValue(t *testing.T) {
	pv := bacnet.PropertyPresentValue

	got, err := coerceValue(bacnet.ObjectTypeAnalogValue, pv, uint32(75))
	require.NoError(t, err)
	assert.Equal(t, float32(75), got)

	got, err = coerceValue(bacnet.ObjectTypeAnalogOutput, pv, int32(-3))
	require.NoError(t, err)
	assert.Equal(t, float32(-3), got)

	got, err = coerceValue(bacnet.ObjectTypeBinaryValue, pv, true)
	require.NoError(t, err)
	assert.Equal(t, bacnet.Enumerated(1), got)

	got, err = coerceValue(bacnet.ObjectTypeBinaryValue, pv, uint32(0))
	require.NoError(t, err)
	assert.Equal(t, bacnet.Enumerated(0), got)

	_, err = coerceValue(bacnet.ObjectTypeBinaryValue, pv, uint32(2))
	assert.Error(t, err)
	_, err = coerceValue(bacnet.ObjectTypeAnalogValue, pv, "warm")
	assert.Error(t, err)

	got, err = coerceValue(bacnet.ObjectTypeAnalogValue, bacnet.PropertyObjectName, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got)
}

func TestParsePointValue(t *testing.T) {
	v, err := parsePointValue("22.5")
	require.NoError(t, err)
	assert.Equal(t, 22.5, v)

	v, err = parsePointValue("ON")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = parsePointValue("inactive")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = parsePointValue("warm")
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, "22.5000", formatValue(float32(22.5)))
	assert.Equal(t, "1", formatValue(bacnet.Enumerated(1)))
	assert.Equal(t, "0100", formatValue(bacnet.BitString{Bits: []byte{0x40}, Len: 4}))
	assert.Equal(t, "analog-value:1", formatValue(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 1)))
	assert.Equal(t, "[1, true]", formatValue([]any{uint32(1), true}))
	assert.Equal(t, "0a0b", formatValue([]byte{0x0a, 0x0b}))
}

func TestFormatterRows(t *testing.T) {
	headers := []string{"TYPE", "ID"}
	rows := [][]string{{"AV", "1"}, {"BV", "2"}}

	var buf bytes.Buffer
	f := NewFormatter("csv")
	f.SetWriter(&buf)
	require.NoError(t, f.Rows(headers, rows, nil))
	assert.Equal(t, "TYPE,ID\nAV,1\nBV,2\n", buf.String())

	buf.Reset()
	f = NewFormatter("JSON")
	f.SetWriter(&buf)
	require.NoError(t, f.Rows(headers, rows, []map[string]string{{"type": "AV"}}))
	assert.JSONEq(t, `[{"type":"AV"}]`, buf.String())

	buf.Reset()
	f = NewFormatter("table")
	f.SetWriter(&buf)
	require.NoError(t, f.Rows(headers, rows, nil))
	assert.Contains(t, buf.String(), "TYPE ID")
	assert.Contains(t, buf.String(), "AV   1")
}

func TestAPIBaseURL(t *testing.T) {
	saved, savedCfg := apiURL, cfg
	t.Cleanup(func() { apiURL, cfg = saved, savedCfg })

	cfg = &config.Config{API: config.APIConfig{Host: "0.0.0.0", Port: 5000}}
	apiURL = ""
	assert.Equal(t, "http://127.0.0.1:5000", apiBaseURL())

	cfg.API.Host = "10.0.0.5"
	assert.Equal(t, "http://10.0.0.5:5000", apiBaseURL())

	apiURL = "http://sim:8080/"
	assert.Equal(t, "http://sim:8080", apiBaseURL())
}

func TestAPIClient(t *testing.T) {
	reg := registry.New(registry.Device{ID: 1234, Name: "PythonSimDevice"}, nil)
	srv, err := api.New(api.Deps{Logger: logging.Discard(), Registry: reg, Version: "test"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := &apiClient{base: ts.URL, http: ts.Client()}
	ctx := context.Background()

	objs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, objs)

	obj, err := c.Create(ctx, "AV", 5, "Setpoint5", 21.0)
	require.NoError(t, err)
	assert.Equal(t, api.ObjectJSON{Type: "AV", ID: 5, Name: "Setpoint5", Value: 21}, obj)

	res, err := c.Set(ctx, "av", "5", 22.5)
	require.NoError(t, err)
	assert.Equal(t, api.ValueJSON{Type: "AV", ID: 5, Value: 22.5}, res)

	_, err = c.Create(ctx, "BV", 1, "Pump", true)
	require.NoError(t, err)
	res, err = c.Set(ctx, "BV", "1", false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Value)

	obj, err = c.Get(ctx, "AV", "5")
	require.NoError(t, err)
	assert.Equal(t, 22.5, obj.Value)

	dev, err := c.Device(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), dev.ID)
	assert.Equal(t, 2, dev.Objects)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	_, err = c.Get(ctx, "AV", "99")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.body.Status)
	assert.Equal(t, api.ErrCodeNotFound, apiErr.body.Code)

	_, err = c.Create(ctx, "AV", 5, "again", 0.0)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.body.Status)
}

func TestSeedConfiguredBeforeDefaults(t *testing.T) {
	reg := registry.New(registry.Device{ID: 1234}, nil)
	c := &config.Config{
		Seed: []config.SeedPoint{
			{Type: "AV", ID: 1, Name: "CustomSetpoint", Value: 19},
			{Type: "AI", ID: 9, Name: "Outdoor", Value: 4.5},
		},
		SeedDefaults: true,
	}
	require.NoError(t, seed(reg, c))

	assert.Equal(t, 5, reg.Len())
	p, err := reg.Get(registry.AnalogValue, 1)
	require.NoError(t, err)
	assert.Equal(t, "CustomSetpoint", p.Name)
	assert.Equal(t, 19.0, p.Value)

	bad := &config.Config{Seed: []config.SeedPoint{{Type: "MSV", ID: 1, Name: "x"}}}
	assert.Error(t, seed(registry.New(registry.Device{}, nil), bad))
}

// TestCommandsAgainstSimulator wires a simulator the way serve does and drives
// it with the read, write and dump helpers over loopback.
func TestCommandsAgainstSimulator(t *testing.T) {
	savedLogger, savedDevice := logger, deviceID
	t.Cleanup(func() { logger, deviceID = savedLogger, savedDevice })
	logger = logging.Discard()
	deviceID = 1234

	server, err := bacnet.NewServer(
		bacnet.WithListenAddress("127.0.0.1:0"),
		bacnet.WithAnnounce(false),
		bacnet.WithServerLogger(logger),
	)
	require.NoError(t, err)
	stack := adapter.New(server, logger)
	reg := registry.New(registry.Device{ID: 1234, Name: "PythonSimDevice"}, stack)
	stack.Bind(reg)
	require.NoError(t, reg.Seed(registry.DefaultSeed))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Close() })

	client := bacnet.NewClient(
		bacnet.WithLocalAddress("127.0.0.1:0"),
		bacnet.WithTimeout(2*time.Second),
		bacnet.WithLogger(logger),
	)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	client.AddDevice(1234, server.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	av1 := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 1)
	obj, err := dumpObject(ctx, client, av1, []bacnet.PropertyIdentifier{bacnet.PropertyObjectName, bacnet.PropertyPresentValue})
	require.NoError(t, err)
	assert.Equal(t, "analog-value:1", obj.ObjectID)
	assert.Equal(t, "Setpoint1", obj.Properties["object-name"])
	assert.Equal(t, float32(21), obj.Properties["present-value"])

	info, err := readDeviceInfo(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, "PythonSimDevice", info["Object Name"])
	assert.Equal(t, "BACnet Simulator", info["Vendor Name"])
	assert.Equal(t, uint32(5), info["Object Count"])

	bv1 := bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryValue, 1)
	value, err := coerceValue(bv1.Type, bacnet.PropertyPresentValue, false)
	require.NoError(t, err)
	require.NoError(t, client.WriteProperty(ctx, 1234, bv1, bacnet.PropertyPresentValue, value))

	p, err := reg.Get(registry.BinaryValue, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Value)
}

// TestServeAnnounceTarget builds the server the way serve does with no
// explicit broadcast address and checks the start-up I-Am goes out.
func TestServeAnnounceTarget(t *testing.T) {
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { rx.Close() })
	rxPort := rx.LocalAddr().(*net.UDPAddr).Port

	dc := config.DeviceConfig{Address: "127.0.0.1", PrefixLen: 32, Port: rxPort}
	local, err := netaddr.Resolve(dc.Address, dc.PrefixLen, dc.Port)
	require.NoError(t, err)
	target := broadcastAddress(dc, local)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(rxPort)), target)

	server, err := bacnet.NewServer(
		bacnet.WithListenAddress("127.0.0.1:0"),
		bacnet.WithBroadcastAddress(target),
		bacnet.WithAnnounce(false),
		bacnet.WithServerLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Close() })

	require.NoError(t, server.AnnounceIAm(context.Background()))

	require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := rx.ReadFromUDP(buf)
	require.NoError(t, err)
	bvlc, err := bacnet.DecodeBVLC(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, bacnet.BVLCOriginalBroadcastNPDU, bvlc.Function)
}
