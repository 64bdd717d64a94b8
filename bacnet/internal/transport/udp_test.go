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

package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLoopback(t *testing.T) *UDPTransport {
	t.Helper()
	tr := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendReceive(t *testing.T) {
	a, b := openLoopback(t), openLoopback(t)

	frame := []byte{0x81, 0x0a, 0x00, 0x04}
	require.NoError(t, a.Send(context.Background(), b.LocalAddr(), frame))

	data, from, err := b.ReceiveWithTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, data)
	assert.Equal(t, a.LocalAddr().Port, from.Port)
}

func TestReceiveTimeout(t *testing.T) {
	tr := openLoopback(t)

	_, _, err := tr.ReceiveWithTimeout(20 * time.Millisecond)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.True(t, netErr.Timeout())
}

func TestNotOpenAndClosed(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0")
	assert.Nil(t, tr.LocalAddr())
	assert.ErrorIs(t, tr.Send(context.Background(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, []byte{1}), ErrNotOpen)

	require.NoError(t, tr.Open(context.Background()))
	require.NoError(t, tr.Open(context.Background()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, tr.IsClosed())

	_, _, err := tr.ReceiveWithTimeout(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
