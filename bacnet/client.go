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

package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rodopg1989/bacnet-simulator/bacnet/internal/transport"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Client is a BACnet/IP client used to query devices
type Client struct {
	opts      *clientOptions
	transport *transport.UDPTransport

	state    atomic.Int32
	invokeID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint8]chan *APDU

	devicesMu sync.RWMutex
	devices   map[uint32]*DeviceInfo

	metrics *Metrics
	logger  *slog.Logger

	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
}

// NewClient creates a new BACnet client
func NewClient(opts ...Option) *Client {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	tr := transport.NewUDPTransport(options.localAddress)
	tr.SetReadTimeout(options.timeout)
	tr.SetWriteTimeout(options.timeout)

	return &Client{
		opts:      options,
		transport: tr,
		pending:   make(map[uint8]chan *APDU),
		devices:   make(map[uint32]*DeviceInfo),
		metrics:   NewMetrics(),
		logger:    options.logger,
	}
}

// Connect opens the client socket and starts the receiver
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	if err := c.transport.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("open transport: %w", err)
	}

	var receiverCtx context.Context
	receiverCtx, c.receiverCancel = context.WithCancel(context.Background())
	c.receiverDone = make(chan struct{})
	go c.receiver(receiverCtx)

	c.state.Store(int32(StateConnected))
	c.logger.Debug("connected", slog.String("local_addr", c.transport.LocalAddr().String()))
	return nil
}

// Close closes the BACnet client connection
func (c *Client) Close() error {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return nil
	}

	c.receiverCancel()
	<-c.receiverDone

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

func (c *Client) nextInvokeID() uint8 {
	return uint8(c.invokeID.Add(1) & 0xFF)
}

func (c *Client) receiver(ctx context.Context) {
	defer close(c.receiverDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, addr, err := c.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if c.transport.IsClosed() {
				return
			}
			c.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		c.metrics.BytesReceived.Add(int64(len(data)))
		c.metrics.RecordActivity()
		c.handlePacket(data, addr)
	}
}

func (c *Client) handlePacket(data []byte, addr *net.UDPAddr) {
	bvlc, err := DecodeBVLC(data)
	if err != nil {
		return
	}
	npduData, _, err := BVLCPayload(bvlc, data)
	if err != nil {
		return
	}
	npdu, offset, err := DecodeNPDU(npduData)
	if err != nil || npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		return
	}
	apdu, err := DecodeAPDU(npduData[offset:])
	if err != nil {
		c.logger.Debug("invalid APDU", slog.String("error", err.Error()))
		return
	}

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		if UnconfirmedServiceChoice(apdu.Service) == ServiceIAm {
			c.handleIAm(apdu.Data, addr, npdu)
		}
	case PDUTypeSimpleAck, PDUTypeComplexAck, PDUTypeError, PDUTypeReject, PDUTypeAbort:
		c.pendingMu.Lock()
		ch, ok := c.pending[apdu.InvokeID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- apdu:
			default:
			}
		}
	}
}

func (c *Client) handleIAm(data []byte, addr *net.UDPAddr, npdu *NPDU) {
	c.metrics.IAmReceived.Inc()

	device, err := DecodeIAm(data)
	if err != nil {
		c.logger.Debug("invalid I-Am", slog.String("from", addr.String()), slog.String("error", err.Error()))
		return
	}
	if npdu.HasSource() {
		device.Address = Address{Net: npdu.SrcNet, Addr: npdu.SrcAddr}
	} else {
		device.Address = Address{Addr: udpToBACnetAddr(addr)}
	}

	c.devicesMu.Lock()
	_, exists := c.devices[device.ObjectID.Instance]
	c.devices[device.ObjectID.Instance] = &device
	c.devicesMu.Unlock()

	if !exists {
		c.metrics.DevicesDiscovered.Inc()
	}
	c.logger.Debug("device discovered",
		slog.Uint64("device_id", uint64(device.ObjectID.Instance)),
		slog.String("address", addr.String()),
		slog.Uint64("vendor_id", uint64(device.VendorID)),
	)
}

func (c *Client) sendRequest(ctx context.Context, addr *net.UDPAddr, service ConfirmedServiceChoice, data []byte) (*APDU, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	invokeID := c.nextInvokeID()
	respCh := make(chan *APDU, 1)
	c.pendingMu.Lock()
	c.pending[invokeID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, invokeID)
		c.pendingMu.Unlock()
	}()

	packet := Packet(BVLCOriginalUnicastNPDU,
		EncodeNPDU(true, NPDUControlPriorityNormal),
		EncodeConfirmedRequest(invokeID, service, data, 0, 5))

	start := time.Now()
	c.metrics.RequestsSent.Inc()
	c.metrics.ActiveRequests.Inc()
	defer c.metrics.ActiveRequests.Dec()

	if err := c.transport.Send(ctx, addr, packet); err != nil {
		c.metrics.RequestsFailed.Inc()
		return nil, fmt.Errorf("send request: %w", err)
	}
	c.metrics.BytesSent.Add(int64(len(packet)))

	select {
	case <-ctx.Done():
		c.metrics.RequestsTimedOut.Inc()
		return nil, ErrTimeout

	case resp, ok := <-respCh:
		c.metrics.RequestLatency.Record(time.Since(start))
		if !ok {
			return nil, ErrConnectionClosed
		}

		switch resp.Type {
		case PDUTypeSimpleAck, PDUTypeComplexAck:
			c.metrics.RequestsSucceeded.Inc()
			return resp, nil
		case PDUTypeError:
			c.metrics.RequestsFailed.Inc()
			berr, err := DecodeErrorPDU(resp.Data)
			if err != nil {
				return nil, err
			}
			return nil, berr
		case PDUTypeReject:
			c.metrics.RequestsFailed.Inc()
			return nil, &RejectError{InvokeID: resp.InvokeID, Reason: RejectReason(resp.Service)}
		default:
			c.metrics.RequestsFailed.Inc()
			return nil, &AbortError{InvokeID: resp.InvokeID, Server: resp.Server, Reason: AbortReason(resp.Service)}
		}
	}
}

func (c *Client) sendUnconfirmed(ctx context.Context, addr *net.UDPAddr, service UnconfirmedServiceChoice, data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	function := BVLCOriginalUnicastNPDU
	if addr.IP.Equal(net.IPv4bcast) {
		function = BVLCOriginalBroadcastNPDU
	}
	packet := Packet(function, EncodeNPDU(false, NPDUControlPriorityNormal), EncodeUnconfirmedRequest(service, data))

	c.metrics.RequestsSent.Inc()
	if err := c.transport.Send(ctx, addr, packet); err != nil {
		c.metrics.RequestsFailed.Inc()
		return fmt.Errorf("send %s: %w", service, err)
	}
	c.metrics.BytesSent.Add(int64(len(packet)))
	return nil
}

// WhoIs sends a Who-Is and collects I-Am answers until the discovery timeout
// or ctx ends. Devices are returned ordered by instance.
func (c *Client) WhoIs(ctx context.Context, opts ...DiscoverOption) ([]DeviceInfo, error) {
	options := defaultDiscoverOptions()
	for _, opt := range opts {
		opt(options)
	}

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: options.Port}
	if options.Target != "" {
		addr, err := net.ResolveUDPAddr("udp4", withDefaultPort(options.Target))
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", options.Target, err)
		}
		target = addr
	}

	req := WhoIsRequest{Low: options.LowLimit, High: options.HighLimit}
	if err := c.sendUnconfirmed(ctx, target, ServiceWhoIs, req.Encode()); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
	case <-time.After(options.Timeout):
	}

	c.devicesMu.RLock()
	devices := make([]DeviceInfo, 0, len(c.devices))
	for _, dev := range c.devices {
		if req.Matches(dev.ObjectID.Instance) {
			devices = append(devices, *dev)
		}
	}
	c.devicesMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance
	})
	return devices, nil
}

// GetDevice returns information about a discovered device
func (c *Client) GetDevice(deviceID uint32) (DeviceInfo, bool) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	dev, ok := c.devices[deviceID]
	if !ok {
		return DeviceInfo{}, false
	}
	return *dev, true
}

// AddDevice records a device address so requests skip discovery.
func (c *Client) AddDevice(deviceID uint32, addr *net.UDPAddr) {
	c.devicesMu.Lock()
	c.devices[deviceID] = &DeviceInfo{
		ObjectID: NewObjectIdentifier(ObjectTypeDevice, deviceID),
		Address:  Address{Addr: udpToBACnetAddr(addr)},
	}
	c.devicesMu.Unlock()
}

func (c *Client) resolveDevice(ctx context.Context, deviceID uint32) (*net.UDPAddr, error) {
	dev, ok := c.GetDevice(deviceID)
	if !ok {
		if _, err := c.WhoIs(ctx, WithDeviceRange(deviceID, deviceID), WithDiscoveryTimeout(2*time.Second)); err != nil {
			return nil, err
		}
		if dev, ok = c.GetDevice(deviceID); !ok {
			return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceID)
		}
	}

	if !dev.Address.IsLocal() {
		return nil, fmt.Errorf("device %d is behind network %d; routing is not supported", deviceID, dev.Address.Net)
	}
	if len(dev.Address.Addr) != 6 {
		return nil, fmt.Errorf("device %d: invalid address length %d", deviceID, len(dev.Address.Addr))
	}
	return bacnetAddrToUDP(dev.Address.Addr), nil
}

// ReadProperty reads a property from an object on a remote device
func (c *Client) ReadProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, opts ...ReadOption) (any, error) {
	options := &ReadOptions{}
	for _, opt := range opts {
		opt(options)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	req := ReadPropertyRequest{ObjectID: objectID, PropertyID: propertyID, ArrayIndex: options.ArrayIndex}
	resp, err := c.sendRequest(ctx, addr, ServiceReadProperty, req.Encode())
	if err != nil {
		return nil, err
	}

	pv, err := DecodeReadPropertyAck(resp.Data)
	if err != nil {
		return nil, err
	}
	return pv.Value, nil
}

// WriteProperty writes a property on a remote device. The value is encoded
// by EncodeApplicationValue.
func (c *Client) WriteProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, value any, opts ...WriteOption) error {
	options := &WriteOptions{}
	for _, opt := range opts {
		opt(options)
	}

	encoded, err := EncodeApplicationValue(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	req := WritePropertyRequest{
		ObjectID:   objectID,
		PropertyID: propertyID,
		ArrayIndex: options.ArrayIndex,
		Value:      encoded,
		Priority:   options.Priority,
	}
	_, err = c.sendRequest(ctx, addr, ServiceWriteProperty, req.Encode())
	return err
}

// ReadPropertyMultiple reads several properties in one request. Per-property
// failures come back in PropertyValue.Err.
func (c *Client) ReadPropertyMultiple(ctx context.Context, deviceID uint32, specs []ReadAccessSpec) ([]PropertyValue, error) {
	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	resp, err := c.sendRequest(ctx, addr, ServiceReadPropertyMultiple, EncodeReadPropertyMultipleRequest(specs))
	if err != nil {
		return nil, err
	}
	return DecodeReadPropertyMultipleAck(resp.Data)
}

// GetObjectList retrieves the object list of a device, element by element
func (c *Client) GetObjectList(ctx context.Context, deviceID uint32) ([]ObjectIdentifier, error) {
	device := NewObjectIdentifier(ObjectTypeDevice, deviceID)

	lengthVal, err := c.ReadProperty(ctx, deviceID, device, PropertyObjectList, WithArrayIndex(0))
	if err != nil {
		return nil, err
	}
	length, ok := lengthVal.(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: object-list length is %T", ErrInvalidResponse, lengthVal)
	}

	objects := make([]ObjectIdentifier, 0, length)
	for i := uint32(1); i <= length; i++ {
		val, err := c.ReadProperty(ctx, deviceID, device, PropertyObjectList, WithArrayIndex(i))
		if err != nil {
			return nil, fmt.Errorf("read object-list[%d]: %w", i, err)
		}
		if oid, ok := val.(ObjectIdentifier); ok {
			objects = append(objects, oid)
		}
	}
	return objects, nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, fmt.Sprint(DefaultPort))
}
