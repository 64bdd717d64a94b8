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
	"strings"
)

// Kind is the object type of a simulated point.
type Kind uint8

const (
	AnalogInput Kind = iota + 1
	AnalogOutput
	AnalogValue
	BinaryValue
)

// Kinds lists every point kind in display order.
var Kinds = []Kind{AnalogInput, AnalogOutput, AnalogValue, BinaryValue}

var kindCodes = map[Kind]string{
	AnalogInput:  "AI",
	AnalogOutput: "AO",
	AnalogValue:  "AV",
	BinaryValue:  "BV",
}

var kindNames = map[Kind]string{
	AnalogInput:  "analog-input",
	AnalogOutput: "analog-output",
	AnalogValue:  "analog-value",
	BinaryValue:  "binary-value",
}

// ParseKind parses a short code (AI, AO, AV, BV) or a BACnet object type
// name, ignoring case.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	for k, code := range kindCodes {
		if strings.EqualFold(s, code) {
			return k, nil
		}
	}
	norm := strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	for k, name := range kindNames {
		if norm == name || norm == strings.ReplaceAll(name, "-", "") {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Code returns the short code used by the management API.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return fmt.Sprintf("kind(%d)", k)
}

// String returns the BACnet object type name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Valid reports whether k is one of the four point kinds.
func (k Kind) Valid() bool {
	_, ok := kindCodes[k]
	return ok
}

func (k Kind) IsBinary() bool {
	return k == BinaryValue
}

// Writable reports whether the present value accepts network writes.
func (k Kind) Writable() bool {
	return k.Valid() && k != AnalogInput
}
