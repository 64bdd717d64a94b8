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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

// Topics builds the topic tree of one device:
//
//	{prefix}/{device_id}/status
//	{prefix}/{device_id}/objects/{TYPE}/{id}
//	{prefix}/{device_id}/objects/{TYPE}/{id}/set
type Topics struct {
	Prefix   string
	DeviceID uint32
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%d", strings.TrimSuffix(t.Prefix, "/"), t.DeviceID)
}

// Status is the retained online/offline topic, also used for the LWT.
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Object is the retained state topic of a point.
func (t Topics) Object(kind registry.Kind, instance uint32) string {
	return fmt.Sprintf("%s/objects/%s/%d", t.base(), kind.Code(), instance)
}

// SetFilter matches the command topic of every point.
func (t Topics) SetFilter() string {
	return t.base() + "/objects/+/+/set"
}

// ParseSet extracts the point key from a command topic.
func (t Topics) ParseSet(topic string) (registry.Kind, uint32, error) {
	rest, ok := strings.CutPrefix(topic, t.base()+"/objects/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	kind, err := registry.ParseKind(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s: %w", ErrInvalidTopic, topic, err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s: bad instance", ErrInvalidTopic, topic)
	}
	return kind, uint32(id), nil
}

// StatePayload is published retained on a point's state topic.
type StatePayload struct {
	Type      string  `json:"type"`
	ID        uint32  `json:"id"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

func buildStatePayload(p registry.Point, at time.Time) ([]byte, error) {
	return json.Marshal(StatePayload{
		Type:      p.Kind.Code(),
		ID:        p.Instance,
		Name:      p.Name,
		Value:     p.Value,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

// ParseSetPayload reads `{"value":x}`, a bare number, or a bare boolean.
func ParseSetPayload(payload []byte) (float64, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	if payload[0] == '{' {
		var body struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if len(body.Value) == 0 || string(body.Value) == "null" {
			return 0, fmt.Errorf("%w: missing value", ErrInvalidPayload)
		}
		payload = body.Value
	}

	switch string(payload) {
	case "true", "on", "ON":
		return 1, nil
	case "false", "off", "OFF":
		return 0, nil
	}
	v, err := strconv.ParseFloat(string(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPayload, payload)
	}
	return v, nil
}

func buildStatusPayload(status, clientID string) string {
	return fmt.Sprintf(`{"status":"%s","client_id":"%s","timestamp":"%s"}`,
		status, clientID, time.Now().UTC().Format(time.RFC3339))
}
