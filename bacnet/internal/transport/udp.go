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

// Package transport provides the UDP datagram layer under BACnet/IP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxFrame covers the largest BACnet/IP frame on an Ethernet MTU.
const maxFrame = 1500

var (
	ErrNotOpen = errors.New("transport: not open")
	ErrClosed  = errors.New("transport: closed")
)

// UDPTransport implements BACnet/IP transport over UDP
type UDPTransport struct {
	localAddr    string
	conn         *net.UDPConn
	mu           sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

// NewUDPTransport creates a transport that will bind to localAddr
// ("host:port", empty for an ephemeral port on all interfaces).
func NewUDPTransport(localAddr string) *UDPTransport {
	return &UDPTransport{
		localAddr:    localAddr,
		readTimeout:  3 * time.Second,
		writeTimeout: 3 * time.Second,
	}
}

// SetReadTimeout sets the read timeout used when the context has no deadline
func (t *UDPTransport) SetReadTimeout(d time.Duration) {
	t.mu.Lock()
	t.readTimeout = d
	t.mu.Unlock()
}

// SetWriteTimeout sets the write timeout used when the context has no deadline
func (t *UDPTransport) SetWriteTimeout(d time.Duration) {
	t.mu.Lock()
	t.writeTimeout = d
	t.mu.Unlock()
}

// Open binds the UDP socket. Opening an open transport is a no-op.
func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.closed {
		return nil
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", t.localAddr)
	if err != nil {
		return fmt.Errorf("listen UDP %q: %w", t.localAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("listen UDP %q: unexpected %T", t.localAddr, pc)
	}

	t.conn = conn
	t.closed = false
	return nil
}

// Close closes the UDP connection
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// LocalAddr returns the bound address, or nil before Open.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return nil
	}
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func (t *UDPTransport) open() (*net.UDPConn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.conn == nil:
		return nil, ErrNotOpen
	case t.closed:
		return nil, ErrClosed
	}
	return t.conn, nil
}

// Send sends one datagram to addr
func (t *UDPTransport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	conn, err := t.open()
	if err != nil {
		return err
	}

	t.mu.RLock()
	writeTimeout := t.writeTimeout
	t.mu.RUnlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	n, err := conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("write UDP %s: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write to %s: %d of %d bytes", addr, n, len(data))
	}
	return nil
}

// Broadcast sends data to the limited broadcast address on port
func (t *UDPTransport) Broadcast(ctx context.Context, port int, data []byte) error {
	return t.Send(ctx, &net.UDPAddr{IP: net.IPv4bcast, Port: port}, data)
}

// Receive reads one datagram. It returns a net.Error with Timeout() set when
// the deadline passes without traffic.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	conn, err := t.open()
	if err != nil {
		return nil, nil, err
	}

	t.mu.RLock()
	readTimeout := t.readTimeout
	t.mu.RUnlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(readTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, maxFrame)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// ReceiveWithTimeout receives data with a specific timeout
func (t *UDPTransport) ReceiveWithTimeout(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Receive(ctx)
}

// IsClosed returns true if the transport is closed
func (t *UDPTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
