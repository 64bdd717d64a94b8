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

package netaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExplicit(t *testing.T) {
	l, err := Resolve("192.168.10.42", 24, 47808)
	require.NoError(t, err)
	assert.False(t, l.Detected)
	assert.Equal(t, "192.168.10.42/24", l.String())
	assert.Equal(t, "192.168.10.42:47808", l.UDPAddr())
	assert.Equal(t, netip.MustParseAddr("192.168.10.255"), l.Broadcast())
}

func TestBroadcast(t *testing.T) {
	tests := []struct {
		ip   string
		bits int
		want string
	}{
		{"10.1.2.3", 8, "10.255.255.255"},
		{"172.16.5.4", 20, "172.16.15.255"},
		{"192.168.1.9", 32, "192.168.1.9"},
	}
	for _, tt := range tests {
		l, err := Resolve(tt.ip, tt.bits, 47808)
		require.NoError(t, err)
		assert.Equal(t, tt.want, l.Broadcast().String(), tt.ip)
	}
}

func TestResolveInvalid(t *testing.T) {
	_, err := Resolve("not-an-ip", 24, 47808)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Resolve("::1", 64, 47808)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Resolve("10.0.0.1", 40, 47808)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestResolveDetected(t *testing.T) {
	l, err := Resolve("", 24, 47808)
	require.NoError(t, err)
	assert.True(t, l.Detected)
	assert.True(t, l.Addr().Is4())
}
