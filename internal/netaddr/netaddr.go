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

// Package netaddr resolves the address the simulated device identifies with.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Fallback is used when no outbound interface can be found.
const Fallback = "127.0.0.1"

// routeTarget is never contacted: connecting a UDP socket only selects the
// outbound interface.
const routeTarget = "8.8.8.8:80"

var ErrInvalidAddress = errors.New("netaddr: invalid address")

// Local is the resolved device address.
type Local struct {
	Prefix   netip.Prefix
	Port     int
	Detected bool
}

// Addr returns the host IP.
func (l Local) Addr() netip.Addr {
	return l.Prefix.Addr()
}

// String renders "ip/prefix".
func (l Local) String() string {
	return l.Prefix.String()
}

// UDPAddr returns ip:port.
func (l Local) UDPAddr() string {
	return net.JoinHostPort(l.Addr().String(), strconv.Itoa(l.Port))
}

// Broadcast returns the directed broadcast address of the prefix.
func (l Local) Broadcast() netip.Addr {
	ip := l.Addr().As4()
	bits := l.Prefix.Bits()
	for i := 0; i < 4; i++ {
		hostBits := 32 - bits - 8*i
		switch {
		case hostBits >= 8:
			ip[3-i] = 0xFF
		case hostBits > 0:
			ip[3-i] |= byte(1<<hostBits - 1)
		}
	}
	return netip.AddrFrom4(ip)
}

// Resolve returns the device address. An empty address is detected from the
// default route, falling back to 127.0.0.1.
func Resolve(address string, prefixLen, port int) (Local, error) {
	detected := false
	if address == "" {
		address = DetectIP()
		detected = true
	}

	ip, err := netip.ParseAddr(address)
	if err != nil || !ip.Is4() {
		return Local{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidAddress, address)
	}
	prefix, err := ip.Prefix(prefixLen)
	if err != nil {
		return Local{}, fmt.Errorf("%w: prefix length %d", ErrInvalidAddress, prefixLen)
	}

	return Local{
		Prefix:   netip.PrefixFrom(ip, prefix.Bits()),
		Port:     port,
		Detected: detected,
	}, nil
}

// DetectIP returns the IPv4 address of the interface holding the default
// route.
func DetectIP() string {
	conn, err := net.Dial("udp4", routeTarget)
	if err != nil {
		return Fallback
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil || addr.IP.IsUnspecified() {
		return Fallback
	}
	return addr.IP.String()
}
