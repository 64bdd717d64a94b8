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

// Package adapter connects the point registry to the BACnet device server.
//
// Registry to stack: RegisterObject and SyncObject keep the server's object
// table in step with the registry. Stack to registry: Bind installs the
// server's WriteProperty handler, which sends every network write through
// registry.UpdateValue.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

// Server is the part of *bacnet.Server the adapter drives.
type Server interface {
	RegisterObject(obj bacnet.Object) error
	SetPresentValue(id bacnet.ObjectIdentifier, value float64) error
	OnWriteProperty(h bacnet.WritePropertyHandler)
}

// Updater is the registry mutation used for network writes.
type Updater interface {
	UpdateValue(kind registry.Kind, instance uint32, value float64) (registry.Point, error)
}

var (
	errUnknownObject = bacnet.NewBACnetError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	errOutOfRange    = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeValueOutOfRange)
	errWriteDenied   = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeWriteAccessDenied)
	errOther         = bacnet.NewBACnetError(bacnet.ErrorClassDevice, bacnet.ErrorCodeOther)
)

// Adapter implements registry.Stack on top of a BACnet server.
type Adapter struct {
	server Server
	logger *slog.Logger
}

// New creates an adapter for server.
func New(server Server, logger *slog.Logger) *Adapter {
	return &Adapter{server: server, logger: logger}
}

// RegisterObject publishes a new point on the network.
func (a *Adapter) RegisterObject(p registry.Point) error {
	obj := bacnet.Object{
		ID:           ObjectID(p.Kind, p.Instance),
		Name:         p.Name,
		PresentValue: p.Value,
	}
	if !p.Kind.IsBinary() {
		obj.Units = bacnet.UnitsNoUnits
	}
	if err := a.server.RegisterObject(obj); err != nil {
		return fmt.Errorf("register %s: %w", obj.ID, err)
	}
	return nil
}

// SyncObject copies the point's present value into the server.
func (a *Adapter) SyncObject(p registry.Point) error {
	id := ObjectID(p.Kind, p.Instance)
	if err := a.server.SetPresentValue(id, p.Value); err != nil {
		return fmt.Errorf("sync %s: %w", id, err)
	}
	return nil
}

// Bind routes the server's present-value writes into reg.
func (a *Adapter) Bind(reg Updater) {
	a.server.OnWriteProperty(func(_ context.Context, id bacnet.ObjectIdentifier, value float64, priority uint8) error {
		kind, ok := KindOf(id.Type)
		if !ok {
			return errUnknownObject
		}
		if !kind.Writable() {
			return errWriteDenied
		}

		p, err := reg.UpdateValue(kind, id.Instance, value)
		if err != nil {
			a.logger.Warn("BACnet write rejected",
				slog.String("object", id.String()),
				slog.Float64("value", value),
				slog.String("error", err.Error()),
			)
			return MapError(err)
		}

		a.logger.Info("BACnet write applied",
			slog.String("type", p.Kind.Code()),
			slog.Uint64("id", uint64(p.Instance)),
			slog.Float64("value", p.Value),
			slog.Uint64("priority", uint64(priority)),
		)
		return nil
	})
}

// MapError converts a registry error into the BACnet error returned to the
// writer.
func MapError(err error) *bacnet.BACnetError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrNotFound):
		return errUnknownObject
	case errors.Is(err, registry.ErrInvalidValue):
		return errOutOfRange
	default:
		return errOther
	}
}

// ObjectID returns the BACnet identifier of a point.
func ObjectID(kind registry.Kind, instance uint32) bacnet.ObjectIdentifier {
	var t bacnet.ObjectType
	switch kind {
	case registry.AnalogInput:
		t = bacnet.ObjectTypeAnalogInput
	case registry.AnalogOutput:
		t = bacnet.ObjectTypeAnalogOutput
	case registry.AnalogValue:
		t = bacnet.ObjectTypeAnalogValue
	case registry.BinaryValue:
		t = bacnet.ObjectTypeBinaryValue
	}
	return bacnet.NewObjectIdentifier(t, instance)
}

// KindOf maps a BACnet object type back to a point kind.
func KindOf(t bacnet.ObjectType) (registry.Kind, bool) {
	switch t {
	case bacnet.ObjectTypeAnalogInput:
		return registry.AnalogInput, true
	case bacnet.ObjectTypeAnalogOutput:
		return registry.AnalogOutput, true
	case bacnet.ObjectTypeAnalogValue:
		return registry.AnalogValue, true
	case bacnet.ObjectTypeBinaryValue:
		return registry.BinaryValue, true
	}
	return 0, false
}
