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

import "errors"

// Registry errors. Callers check them with errors.Is:
//
//	if errors.Is(err, registry.ErrNotFound) {
//	    // 404
//	}
var (
	// ErrInvalidKind is returned for an unrecognised object type string.
	ErrInvalidKind = errors.New("registry: invalid kind")

	// ErrDuplicateKey is returned when (kind, instance) is already taken.
	ErrDuplicateKey = errors.New("registry: duplicate key")

	// ErrNotFound is returned when no point has the requested key.
	ErrNotFound = errors.New("registry: not found")

	// ErrInvalidValue is returned when a value fails the kind-specific check.
	ErrInvalidValue = errors.New("registry: invalid value")

	// ErrInvalidInstance is returned for an instance above MaxInstance.
	ErrInvalidInstance = errors.New("registry: invalid instance")

	// ErrInvalidName is returned for an empty point name.
	ErrInvalidName = errors.New("registry: invalid name")

	// ErrStackRegistration is returned when the protocol stack refused a
	// point. The registry is left unchanged.
	ErrStackRegistration = errors.New("registry: stack registration failed")
)
