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

// Package registry owns the simulated points of the device.
//
// The Registry is the only component allowed to change a point. The HTTP API,
// the BACnet WriteProperty handler and the MQTT command subscriber all go
// through CreatePoint and UpdateValue, and every change is pushed into the
// protocol stack before the registry lock is released, so the network view
// and the registry view never diverge.
//
// All methods are safe for concurrent use.
package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Stack is the protocol side of the registry: the object index served to
// BACnet clients.
type Stack interface {
	// RegisterObject makes a new point visible on the network.
	RegisterObject(p Point) error
	// SyncObject mirrors a new present value into the stack index.
	SyncObject(p Point) error
}

// Device is the identity of the simulated node. It does not change after
// start-up.
type Device struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// EventType says what happened to a point.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event is delivered to listeners after a successful change.
type Event struct {
	Type     EventType
	Point    Point
	Previous float64
	At       time.Time
	// Seq is assigned under the registry lock and grows by one per change.
	// Listeners may see events out of order; a lower Seq for the same key
	// is stale.
	Seq uint64
}

// Listener receives change events. It runs on the caller's goroutine after
// the registry lock is released and must not block. Concurrent changes can
// reach a listener in a different order than they were applied.
type Listener func(Event)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry is the authoritative set of points for one device.
type Registry struct {
	device Device
	stack  Stack
	logger *slog.Logger

	mu        sync.Mutex
	points    map[Key]*Point
	order     []Key
	listeners []Listener
	seq       uint64
}

// New creates a registry for device. A nil stack keeps points local.
func New(device Device, stack Stack, opts ...Option) *Registry {
	r := &Registry{
		device: device,
		stack:  stack,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		points: make(map[Key]*Point),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Device returns the device identity.
func (r *Registry) Device() Device {
	return r.device
}

// OnChange adds a listener for create and update events.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// ListPoints returns a copy of every point in creation order.
func (r *Registry) ListPoints() []Point {
	points, _ := r.Snapshot()
	return points
}

// Snapshot is ListPoints plus the Seq of the last change it includes. Events
// with a higher Seq are newer than the snapshot.
func (r *Registry) Snapshot() ([]Point, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Point, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, *r.points[k])
	}
	return out, r.seq
}

// Get returns a copy of one point.
func (r *Registry) Get(kind Kind, instance uint32) (Point, error) {
	key := Key{Kind: kind, Instance: instance}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.points[key]
	if !ok {
		return Point{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return *p, nil
}

// Len returns the number of points.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// CreatePoint adds a point and registers it with the stack. If the stack
// refuses it the insert is undone and the error wraps ErrStackRegistration.
func (r *Registry) CreatePoint(kind Kind, instance uint32, name string, value float64) (Point, error) {
	p, err := NewPoint(kind, instance, name, value)
	if err != nil {
		return Point{}, err
	}
	key := p.Key()

	r.mu.Lock()
	if _, exists := r.points[key]; exists {
		r.mu.Unlock()
		return Point{}, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	stored := p
	r.points[key] = &stored
	r.order = append(r.order, key)

	if r.stack != nil {
		if err := r.stack.RegisterObject(p); err != nil {
			delete(r.points, key)
			r.order = r.order[:len(r.order)-1]
			r.mu.Unlock()

			r.logger.Error("point registration rejected by stack",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
			return Point{}, fmt.Errorf("%w: %s: %w", ErrStackRegistration, key, err)
		}
	}
	r.seq++
	seq := r.seq
	listeners := r.listeners
	r.mu.Unlock()

	r.logger.Info("point created",
		slog.String("type", kind.Code()),
		slog.Uint64("id", uint64(instance)),
		slog.String("name", name),
		slog.Float64("value", value),
	)
	r.notify(listeners, Event{Type: EventCreated, Point: p, Previous: p.Value, At: time.Now(), Seq: seq})
	return p, nil
}

// UpdateValue replaces the present value of a point and mirrors it into the
// stack.
func (r *Registry) UpdateValue(kind Kind, instance uint32, value float64) (Point, error) {
	key := Key{Kind: kind, Instance: instance}

	r.mu.Lock()
	p, ok := r.points[key]
	if !ok {
		r.mu.Unlock()
		return Point{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := ValidateValue(kind, value); err != nil {
		r.mu.Unlock()
		return Point{}, err
	}

	previous := p.Value
	p.Value = value
	if r.stack != nil {
		if err := r.stack.SyncObject(*p); err != nil {
			p.Value = previous
			r.mu.Unlock()
			return Point{}, fmt.Errorf("%w: sync %s: %w", ErrStackRegistration, key, err)
		}
	}
	updated := *p
	r.seq++
	seq := r.seq
	listeners := r.listeners
	r.mu.Unlock()

	r.logger.Debug("point updated",
		slog.String("type", kind.Code()),
		slog.Uint64("id", uint64(instance)),
		slog.Float64("value", value),
		slog.Float64("previous", previous),
	)
	r.notify(listeners, Event{Type: EventUpdated, Point: updated, Previous: previous, At: time.Now(), Seq: seq})
	return updated, nil
}

func (r *Registry) notify(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}
