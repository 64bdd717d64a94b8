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

package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/logging"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods the publisher never calls panic
// through the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	connected    bool
	published    []message
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	c.published = append(c.published, message{topic: topic, retained: retained, payload: b})
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token { return doneToken{} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.published...)
}

var testDevice = registry.Device{ID: 1234, Name: "PythonSimDevice"}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{Enabled: true, Broker: "tcp://127.0.0.1:1883", TopicPrefix: "bacnet-sim", QoS: 1}
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "bacnet-sim/", DeviceID: 1234}
	assert.Equal(t, "bacnet-sim/1234/status", topics.Status())
	assert.Equal(t, "bacnet-sim/1234/objects/AV/1", topics.Object(registry.AnalogValue, 1))
	assert.Equal(t, "bacnet-sim/1234/objects/+/+/set", topics.SetFilter())

	kind, id, err := topics.ParseSet("bacnet-sim/1234/objects/BV/1/set")
	require.NoError(t, err)
	assert.Equal(t, registry.BinaryValue, kind)
	assert.Equal(t, uint32(1), id)

	for _, bad := range []string{
		"bacnet-sim/9/objects/BV/1/set",
		"bacnet-sim/1234/objects/BV/1",
		"bacnet-sim/1234/objects/XX/1/set",
		"bacnet-sim/1234/objects/BV/x/set",
		"bacnet-sim/1234/objects/BV/1/set/extra",
	} {
		_, _, err := topics.ParseSet(bad)
		assert.ErrorIs(t, err, ErrInvalidTopic, bad)
	}
}

func TestParseSetPayload(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`{"value":23.5}`, 23.5},
		{`{"value":true}`, 1},
		{` 42 `, 42},
		{`false`, 0},
		{`ON`, 1},
	}
	for _, tt := range tests {
		got, err := ParseSetPayload([]byte(tt.in))
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{``, `{}`, `{"value":null}`, `hot`, `{"value":"x"}`, `{`} {
		_, err := ParseSetPayload([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidPayload, bad)
	}
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	_, err := Connect(cfg, testDevice, nil, logging.Discard())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestGeneratedClientID(t *testing.T) {
	p := newPublisher(&fakeClient{}, testConfig(), testDevice, nil, logging.Discard())
	assert.Regexp(t, `^bacnet-sim-1234-[0-9a-f]{8}$`, p.clientID)

	cfg := testConfig()
	cfg.ClientID = "fixed"
	p = newPublisher(&fakeClient{}, cfg, testDevice, nil, logging.Discard())
	assert.Equal(t, "fixed", p.clientID)
}

func TestRegistryEventsArePublishedRetained(t *testing.T) {
	client := &fakeClient{connected: true}
	reg := registry.New(testDevice, nil)
	p := newPublisher(client, testConfig(), testDevice, reg, logging.Discard())
	reg.OnChange(p.OnEvent)
	p.Start()

	_, err := reg.CreatePoint(registry.AnalogValue, 1, "Setpoint1", 21)
	require.NoError(t, err)
	_, err = reg.UpdateValue(registry.AnalogValue, 1, 22)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(client.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Close())

	msgs := client.messages()
	assert.Equal(t, "bacnet-sim/1234/objects/AV/1", msgs[1].topic)
	assert.True(t, msgs[1].retained)

	var state StatePayload
	require.NoError(t, json.Unmarshal(msgs[1].payload, &state))
	assert.Equal(t, "AV", state.Type)
	assert.Equal(t, uint32(1), state.ID)
	assert.Equal(t, "Setpoint1", state.Name)
	assert.Equal(t, 22.0, state.Value)
	assert.NotEmpty(t, state.Timestamp)

	// graceful offline status on close
	last := msgs[len(msgs)-1]
	assert.Equal(t, "bacnet-sim/1234/status", last.topic)
	assert.Contains(t, string(last.payload), `"status":"offline"`)
	assert.True(t, client.disconnected)
}

func TestCloseDrainsQueue(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, nil, logging.Discard())
	p.PublishAll(registry.DefaultSeed, 0)
	p.Start()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	var objects int
	for _, m := range client.messages() {
		if m.topic != p.topics.Status() {
			objects++
		}
	}
	assert.Equal(t, len(registry.DefaultSeed), objects)

	// events after close are ignored
	p.OnEvent(registry.Event{Point: registry.DefaultSeed[0]})
	assert.Empty(t, p.events)
}

func TestHandleSet(t *testing.T) {
	reg := registry.New(testDevice, nil)
	require.NoError(t, reg.Seed(registry.DefaultSeed))
	p := newPublisher(&fakeClient{connected: true}, testConfig(), testDevice, reg, logging.Discard())

	p.handleSet("bacnet-sim/1234/objects/AV/1/set", []byte(`{"value":19.5}`))
	pt, err := reg.Get(registry.AnalogValue, 1)
	require.NoError(t, err)
	assert.Equal(t, 19.5, pt.Value)

	p.handleSet("bacnet-sim/1234/objects/BV/1/set", []byte(`false`))
	pt, err = reg.Get(registry.BinaryValue, 1)
	require.NoError(t, err)
	assert.Zero(t, pt.Value)

	// rejected commands leave state untouched
	p.handleSet("bacnet-sim/1234/objects/BV/1/set", []byte(`7`))
	p.handleSet("bacnet-sim/1234/objects/AV/99/set", []byte(`1`))
	p.handleSet("bacnet-sim/1234/objects/AV/1/set", []byte(`warm`))
	pt, err = reg.Get(registry.AnalogValue, 1)
	require.NoError(t, err)
	assert.Equal(t, 19.5, pt.Value)
	assert.Equal(t, 4, reg.Len())
}

func TestStaleEventsAreDropped(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, nil, logging.Discard())

	pt := registry.Point{Kind: registry.AnalogValue, Instance: 1, Name: "Setpoint1", Value: 22}
	older := pt
	older.Value = 21
	other := registry.Point{Kind: registry.AnalogValue, Instance: 2, Name: "Setpoint2", Value: 5}

	// listeners ran out of order: seq 3 arrives before seq 2
	p.OnEvent(registry.Event{Type: registry.EventUpdated, Point: pt, Seq: 3})
	p.OnEvent(registry.Event{Type: registry.EventUpdated, Point: older, Seq: 2})
	p.OnEvent(registry.Event{Type: registry.EventUpdated, Point: other, Seq: 1})
	p.Start()
	require.NoError(t, p.Close())

	var values []float64
	for _, m := range client.messages() {
		if m.topic == p.topics.Status() {
			continue
		}
		var state StatePayload
		require.NoError(t, json.Unmarshal(m.payload, &state))
		values = append(values, state.Value)
	}
	assert.Equal(t, []float64{22, 5}, values)
}

func TestSnapshotDoesNotOverwriteNewerEvent(t *testing.T) {
	client := &fakeClient{connected: true}
	reg := registry.New(testDevice, nil)
	_, err := reg.CreatePoint(registry.AnalogValue, 1, "Setpoint1", 21)
	require.NoError(t, err)
	points, seq := reg.Snapshot()

	p := newPublisher(client, testConfig(), testDevice, reg, logging.Discard())
	reg.OnChange(p.OnEvent)
	_, err = reg.UpdateValue(registry.AnalogValue, 1, 23)
	require.NoError(t, err)
	p.PublishAll(points, seq)
	p.Start()
	require.NoError(t, p.Close())

	msgs := client.messages()
	require.Len(t, msgs, 2)
	var state StatePayload
	require.NoError(t, json.Unmarshal(msgs[0].payload, &state))
	assert.Equal(t, 23.0, state.Value)
	assert.Equal(t, p.topics.Status(), msgs[1].topic)
}

func TestHealthCheck(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, nil, logging.Discard())
	assert.NoError(t, p.HealthCheck(context.Background()))

	client.Disconnect(0)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrNotConnected)
}
