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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
	"github.com/rodopg1989/bacnet-simulator/internal/logging"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

type failingStack struct{}

func (failingStack) RegisterObject(registry.Point) error { return errors.New("stack down") }
func (failingStack) SyncObject(registry.Point) error     { return nil }

type fakeDevice struct {
	metrics *bacnet.Metrics
}

func (f fakeDevice) DeviceConfig() bacnet.DeviceConfig {
	cfg := bacnet.DefaultDeviceConfig()
	cfg.VendorID = 999
	cfg.VendorName = "BACnet Simulator"
	return cfg
}

func (f fakeDevice) Metrics() *bacnet.Metrics { return f.metrics }

func newTestServer(t *testing.T, stack registry.Stack) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Device{ID: 1234, Name: "PythonSimDevice", Address: "127.0.0.1/24"}, stack)
	srv, err := New(Deps{
		Logger:   logging.Discard(),
		Registry: reg,
		BACnet:   fakeDevice{metrics: bacnet.NewMetrics()},
		Version:  "test",
	})
	require.NoError(t, err)
	return srv, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type createResponse struct {
	Status string     `json:"status"`
	Object ObjectJSON `json:"object"`
}

type patchResponse struct {
	Status string    `json:"status"`
	Object ValueJSON `json:"object"`
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{Registry: registry.New(registry.Device{}, nil)})
	assert.Error(t, err)
	_, err = New(Deps{Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestObjectLifecycle(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/objects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/objects", `{"type":"AI","id":7,"name":"T1","value":20}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[createResponse](t, rec)
	assert.Equal(t, "ok", created.Status)
	assert.Equal(t, ObjectJSON{Type: "AI", ID: 7, Name: "T1", Value: 20}, created.Object)

	rec = do(t, h, http.MethodGet, "/objects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []ObjectJSON{{Type: "AI", ID: 7, Name: "T1", Value: 20}}, decode[[]ObjectJSON](t, rec))

	rec = do(t, h, http.MethodPatch, "/objects/AI/7", `{"value":23.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decode[patchResponse](t, rec)
	assert.Equal(t, "ok", patched.Status)
	assert.Equal(t, ValueJSON{Type: "AI", ID: 7, Value: 23.5}, patched.Object)

	rec = do(t, h, http.MethodPatch, "/objects/AI/99", `{"value":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decode[Error](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/objects", `{"type":"AI","id":7,"name":"Other","value":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeConflict, decode[Error](t, rec).Code)

	p, err := reg.Get(registry.AnalogInput, 7)
	require.NoError(t, err)
	assert.Equal(t, 23.5, p.Value)
	assert.Equal(t, "T1", p.Name)

	rec = do(t, h, http.MethodGet, "/objects/ai/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ObjectJSON{Type: "AI", ID: 7, Name: "T1", Value: 23.5}, decode[ObjectJSON](t, rec))
}

func TestCreateDefaultsAndBooleans(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/objects", `{"type":"AV","id":1,"name":"Setpoint1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Zero(t, decode[createResponse](t, rec).Object.Value)

	rec = do(t, h, http.MethodPost, "/objects", `{"type":"BV","id":1,"name":"PumpStatus","value":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1.0, decode[createResponse](t, rec).Object.Value)

	rec = do(t, h, http.MethodPatch, "/objects/BV/1", `{"value":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p, err := reg.Get(registry.BinaryValue, 1)
	require.NoError(t, err)
	assert.Zero(t, p.Value)
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()
	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/objects", `{"type":"BV","id":1,"name":"PumpStatus","value":1}`).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown type", http.MethodPost, "/objects", `{"type":"XX","id":1,"name":"n"}`, http.StatusBadRequest},
		{"missing type", http.MethodPost, "/objects", `{"id":1,"name":"n"}`, http.StatusBadRequest},
		{"missing id", http.MethodPost, "/objects", `{"type":"AV","name":"n"}`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/objects", `{"type":"AV","id":1}`, http.StatusBadRequest},
		{"empty name", http.MethodPost, "/objects", `{"type":"AV","id":1,"name":""}`, http.StatusBadRequest},
		{"negative id", http.MethodPost, "/objects", `{"type":"AV","id":-1,"name":"n"}`, http.StatusBadRequest},
		{"id out of range", http.MethodPost, "/objects", `{"type":"AV","id":4194303,"name":"n"}`, http.StatusBadRequest},
		{"string value", http.MethodPost, "/objects", `{"type":"AV","id":2,"name":"n","value":"hot"}`, http.StatusBadRequest},
		{"binary out of range", http.MethodPost, "/objects", `{"type":"BV","id":2,"name":"n","value":2}`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/objects", "", http.StatusBadRequest},
		{"broken json", http.MethodPost, "/objects", `{"type":`, http.StatusBadRequest},
		{"patch missing value", http.MethodPatch, "/objects/BV/1", `{}`, http.StatusBadRequest},
		{"patch null value", http.MethodPatch, "/objects/BV/1", `{"value":null}`, http.StatusBadRequest},
		{"patch bad type", http.MethodPatch, "/objects/XX/1", `{"value":1}`, http.StatusBadRequest},
		{"patch bad id", http.MethodPatch, "/objects/BV/abc", `{"value":1}`, http.StatusBadRequest},
		{"patch binary 5", http.MethodPatch, "/objects/BV/1", `{"value":5}`, http.StatusBadRequest},
		{"get missing", http.MethodGet, "/objects/AV/42", "", http.StatusNotFound},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			body := decode[Error](t, rec)
			assert.Equal(t, tt.want, body.Status)
			assert.NotEmpty(t, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestStackFailureIsInternal(t *testing.T) {
	srv, reg := newTestServer(t, failingStack{})

	rec := do(t, srv.Handler(), http.MethodPost, "/objects", `{"type":"AV","id":1,"name":"n","value":1}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternal, decode[Error](t, rec).Code)
	assert.Zero(t, reg.Len())
}

func TestHealthDeviceMetrics(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	require.NoError(t, reg.Seed(registry.DefaultSeed))
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dev := decode[DeviceJSON](t, rec)
	assert.Equal(t, uint32(1234), dev.ID)
	assert.Equal(t, "PythonSimDevice", dev.Name)
	assert.Equal(t, uint16(999), dev.VendorID)
	assert.Equal(t, 4, dev.Objects)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[map[string]any](t, rec)
	assert.EqualValues(t, 4, m["points"])
	assert.Contains(t, m, "bacnet")
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestValueUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Value
		wantErr bool
	}{
		{`12.5`, Value{Set: true, Float: 12.5}, false},
		{`0`, Value{Set: true}, false},
		{`true`, Value{Set: true, Float: 1}, false},
		{`false`, Value{Set: true}, false},
		{`null`, Value{}, false},
		{`"1"`, Value{}, true},
	}
	for _, tt := range tests {
		var v Value
		err := v.UnmarshalJSON([]byte(tt.in))
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, v, tt.in)
	}
}

func TestWebSocketEvents(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = reg.CreatePoint(registry.AnalogValue, 3, "Setpoint3", 19)
	require.NoError(t, err)
	_, err = reg.UpdateValue(registry.AnalogValue, 3, 20)
	require.NoError(t, err)

	read := func() (WSMessage, PointEvent) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var raw struct {
			WSMessage
			Payload PointEvent `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &raw))
		return raw.WSMessage, raw.Payload
	}

	msg, ev := read()
	assert.Equal(t, WSTypeEvent, msg.Type)
	assert.Equal(t, ChannelPointCreated, msg.EventType)
	assert.Equal(t, ObjectJSON{Type: "AV", ID: 3, Name: "Setpoint3", Value: 19}, ev.Object)

	msg, ev = read()
	assert.Equal(t, ChannelPointUpdated, msg.EventType)
	assert.Equal(t, 20.0, ev.Object.Value)
	assert.Equal(t, 19.0, ev.Previous)
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestWebSocketSubscription(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelPointUpdated}},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack WSMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, WSTypeResponse, ack.Type)
	assert.Equal(t, "1", ack.ID)

	_, err = reg.CreatePoint(registry.AnalogOutput, 1, "ValvePosition", 50)
	require.NoError(t, err)
	_, err = reg.UpdateValue(registry.AnalogOutput, 1, 75)
	require.NoError(t, err)

	// the created event is filtered out
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ChannelPointUpdated, msg.EventType)
}

func TestWebSocketUnsubscribeAll(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	channels := WSSubscribePayload{Channels: []string{ChannelPointUpdated}}
	require.NoError(t, conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: channels}))
	require.NoError(t, conn.WriteJSON(WSMessage{Type: WSTypeUnsubscribe, ID: "2", Payload: channels}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, id := range []string{"1", "2"} {
		var ack WSMessage
		require.NoError(t, conn.ReadJSON(&ack))
		assert.Equal(t, WSTypeResponse, ack.Type)
		assert.Equal(t, id, ack.ID)
	}

	_, err = reg.CreatePoint(registry.AnalogValue, 7, "Setpoint7", 18)
	require.NoError(t, err)
	_, err = reg.UpdateValue(registry.AnalogValue, 7, 19)
	require.NoError(t, err)

	// a ping answered before any event proves nothing was queued
	require.NoError(t, conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "3"}))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, WSTypePong, msg.Type)
	assert.Equal(t, "3", msg.ID)
}

func TestHealthReportsComponents(t *testing.T) {
	reg := registry.New(registry.Device{ID: 1234}, nil)
	srv, err := New(Deps{
		Logger:   logging.Discard(),
		Registry: reg,
		Version:  "test",
		Checks: map[string]HealthCheck{
			"mqtt":     func(context.Context) error { return nil },
			"influxdb": func(context.Context) error { return errors.New("influxdb: not connected") },
		},
	})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "degraded",
		"version": "test",
		"components": {"mqtt": "ok", "influxdb": "influxdb: not connected"}
	}`, rec.Body.String())
}
