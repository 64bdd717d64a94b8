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
	"errors"
	"fmt"
)

// DefaultSeed is the point set the simulator starts with.
var DefaultSeed = []Point{
	{Kind: AnalogInput, Instance: 1, Name: "TempSensor1", Value: 22.5},
	{Kind: AnalogValue, Instance: 1, Name: "Setpoint1", Value: 21.0},
	{Kind: AnalogOutput, Instance: 1, Name: "ValvePosition", Value: 50.0},
	{Kind: BinaryValue, Instance: 1, Name: "PumpStatus", Value: 1},
}

// Seed creates each point through CreatePoint. It stops at the first error
// other than a duplicate; duplicates are skipped so configured seeds can
// override the defaults.
func (r *Registry) Seed(points []Point) error {
	for _, p := range points {
		if _, err := r.CreatePoint(p.Kind, p.Instance, p.Name, p.Value); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				continue
			}
			return fmt.Errorf("seed %s: %w", p.Key(), err)
		}
	}
	return nil
}
