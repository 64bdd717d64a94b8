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

package registry

import (
	"fmt"
	"math"
)

// MaxInstance is the highest instance number a BACnet object may carry.
const MaxInstance = 4194302

// Key identifies a point. Instances are unique per kind only.
type Key struct {
	Kind     Kind
	Instance uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Kind.Code(), k.Instance)
}

// Point is a simulated BACnet object.
type Point struct {
	Kind     Kind
	Instance uint32
	Name     string
	Value    float64
}

// NewPoint validates the fields and returns a Point.
func NewPoint(kind Kind, instance uint32, name string, value float64) (Point, error) {
	if !kind.Valid() {
		return Point{}, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}
	if instance > MaxInstance {
		return Point{}, fmt.Errorf("%w: %d exceeds %d", ErrInvalidInstance, instance, MaxInstance)
	}
	if name == "" {
		return Point{}, fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if err := ValidateValue(kind, value); err != nil {
		return Point{}, err
	}
	return Point{Kind: kind, Instance: instance, Name: name, Value: value}, nil
}

func (p Point) Key() Key {
	return Key{Kind: p.Kind, Instance: p.Instance}
}

// ValidateValue checks value against the kind. Binary points hold 0 or 1.
func ValidateValue(kind Kind, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v is not finite", ErrInvalidValue, value)
	}
	if kind.IsBinary() && value != 0 && value != 1 {
		return fmt.Errorf("%w: binary point accepts 0 or 1, got %v", ErrInvalidValue, value)
	}
	if math.Abs(value) > math.MaxFloat32 {
		return fmt.Errorf("%w: %v exceeds REAL range", ErrInvalidValue, value)
	}
	return nil
}
