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

// Package mqtt mirrors point values to an MQTT broker and accepts value
// commands from it.
//
// Every registry event is published retained on the point's state topic. A
// message on a point's set topic goes through registry.UpdateValue like any
// other write.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 30 * time.Second

	// eventBufferSize bounds the events waiting for the worker. Older state
	// is already retained on the broker, so overflow drops.
	eventBufferSize = 256
)

// Updater is the registry mutation used for inbound commands.
type Updater interface {
	UpdateValue(kind registry.Kind, instance uint32, value float64) (registry.Point, error)
}

// Publisher owns the broker connection of one simulated device.
type Publisher struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	clientID string
	topics   Topics
	updater  Updater
	logger   *slog.Logger

	events chan registry.Event
	done   chan struct{}
	wg     sync.WaitGroup

	// lastSeq is the newest Seq published per point. Worker only.
	lastSeq map[registry.Key]uint64

	closeOnce sync.Once
}

// Connect dials the broker, announces the device online and subscribes to
// point commands. The returned Publisher is idle until Start.
func Connect(cfg config.MQTTConfig, device registry.Device, updater Updater, logger *slog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	p := newPublisher(nil, cfg, device, updater, logger)
	opts := p.clientOptions()
	p.client = pahomqtt.NewClient(opts)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		p.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: timeout after %v", ErrConnectionFailed, cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.Broker, err)
	}

	p.logger.Info("MQTT connected",
		slog.String("broker", cfg.Broker),
		slog.String("client_id", p.clientID),
		slog.String("prefix", cfg.TopicPrefix),
	)
	return p, nil
}

func newPublisher(client pahomqtt.Client, cfg config.MQTTConfig, device registry.Device, updater Updater, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("bacnet-sim-%d-%s", device.ID, uuid.NewString()[:8])
	}
	return &Publisher{
		client:   client,
		cfg:      cfg,
		clientID: clientID,
		topics:   Topics{Prefix: cfg.TopicPrefix, DeviceID: device.ID},
		updater:  updater,
		logger:   logger.With(slog.String("component", "mqtt")),
		events:   make(chan registry.Event, eventBufferSize),
		done:     make(chan struct{}),
		lastSeq:  make(map[registry.Key]uint64),
	}
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.clientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(false)

	// The broker publishes this if the simulator vanishes without Close.
	opts.SetWill(p.topics.Status(), buildStatusPayload("offline", p.clientID), p.cfg.QoS, true)

	// Runs on every (re)connect; clean sessions drop subscriptions.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(p.topics.Status(), p.cfg.QoS, true, buildStatusPayload("online", p.clientID))
		go func() {
			if err := p.subscribe(c); err != nil {
				p.logger.Error("MQTT command subscription failed", slog.String("error", err.Error()))
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		p.logger.Debug("MQTT reconnecting")
	})
	return opts
}

func (p *Publisher) subscribe(c pahomqtt.Client) error {
	token := c.Subscribe(p.topics.SetFilter(), p.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		p.handleSet(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// handleSet applies one inbound command. Errors are logged; MQTT has no
// reply channel.
func (p *Publisher) handleSet(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("MQTT handler panic recovered", slog.String("topic", topic), slog.Any("panic", r))
		}
	}()

	kind, instance, err := p.topics.ParseSet(topic)
	if err != nil {
		p.logger.Warn("ignoring MQTT command", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}
	value, err := ParseSetPayload(payload)
	if err != nil {
		p.logger.Warn("ignoring MQTT command", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}
	if _, err := p.updater.UpdateValue(kind, instance, value); err != nil {
		p.logger.Warn("MQTT command rejected",
			slog.String("topic", topic),
			slog.Float64("value", value),
			slog.String("error", err.Error()),
		)
	}
}

// Start launches the publishing worker.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// OnEvent is a registry.Listener. It never blocks the registry caller.
func (p *Publisher) OnEvent(ev registry.Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("MQTT event buffer full, dropping", slog.String("object", ev.Point.Key().String()))
	}
}

// PublishAll queues the current state of every point, for use after start-up.
// seq is the snapshot's registry.Snapshot sequence, so events already
// published for a newer change win over the snapshot.
func (p *Publisher) PublishAll(points []registry.Point, seq uint64) {
	now := time.Now()
	for _, pt := range points {
		p.OnEvent(registry.Event{Type: registry.EventUpdated, Point: pt, Previous: pt.Value, At: now, Seq: seq})
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.events:
			p.publish(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.events:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

// stale reports whether a newer state of the point was already published.
// Events without a Seq are never stale.
func (p *Publisher) stale(ev registry.Event) bool {
	if ev.Seq == 0 {
		return false
	}
	key := ev.Point.Key()
	if ev.Seq < p.lastSeq[key] {
		return true
	}
	p.lastSeq[key] = ev.Seq
	return false
}

func (p *Publisher) publish(ev registry.Event) {
	if p.stale(ev) {
		p.logger.Debug("dropping stale MQTT event",
			slog.String("object", ev.Point.Key().String()),
			slog.Uint64("seq", ev.Seq),
		)
		return
	}
	if !p.client.IsConnected() {
		p.logger.Debug("MQTT not connected, skipping publish", slog.String("object", ev.Point.Key().String()))
		return
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	payload, err := buildStatePayload(ev.Point, at)
	if err != nil {
		p.logger.Error("encoding MQTT payload", slog.String("error", err.Error()))
		return
	}

	topic := p.topics.Object(ev.Point.Kind, ev.Point.Instance)
	token := p.client.Publish(topic, p.cfg.QoS, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		p.logger.Warn("MQTT publish timed out", slog.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("MQTT publish failed", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

// HealthCheck reports whether the broker link is up. Paho reconnects on its
// own, so a failure here can clear without action.
func (p *Publisher) HealthCheck(context.Context) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains queued events, publishes a graceful offline status and
// disconnects.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		if p.client.IsConnected() {
			p.client.Unsubscribe(p.topics.SetFilter()).WaitTimeout(defaultPublishTimeout)
			p.client.Publish(p.topics.Status(), p.cfg.QoS, true,
				buildStatusPayload("offline", p.clientID)).WaitTimeout(defaultPublishTimeout)
		}
		p.client.Disconnect(defaultDisconnectQuiesce)
		p.logger.Info("MQTT disconnected")
	})
	return nil
}
