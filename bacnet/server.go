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
	"sync"
	"sync/atomic"
	"time"

	"github.com/rodopg1989/bacnet-simulator/bacnet/internal/transport"
)

// WildcardInstance addresses the local device object whatever its instance.
const WildcardInstance = 0x3FFFFF

// WritePropertyHandler receives a validated present-value write. Returning a
// *BACnetError answers the requester with that error; any other error is
// reported as device/other. The handler runs without server locks held and
// may call back into the Server.
type WritePropertyHandler func(ctx context.Context, id ObjectIdentifier, value float64, priority uint8) error

// Server is a BACnet/IP device: one device object plus a dynamic table of
// analog and binary points.
type Server struct {
	opts      *serverOptions
	transport *transport.UDPTransport
	metrics   *Metrics
	logger    *slog.Logger

	mu         sync.RWMutex
	objects    map[ObjectIdentifier]*Object
	order      []ObjectIdentifier
	dbRevision uint32
	onWrite    WritePropertyHandler

	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// NewServer creates a BACnet device server. It does not bind until Start.
func NewServer(opts ...ServerOption) (*Server, error) {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	dev := options.device
	if dev.Instance > MaxInstance {
		return nil, fmt.Errorf("%w: device instance %d", ErrInvalidObject, dev.Instance)
	}
	if dev.Name == "" {
		return nil, fmt.Errorf("%w: empty device name", ErrInvalidObject)
	}
	if dev.MaxAPDULength < 50 || dev.MaxAPDULength > MaxAPDULength {
		return nil, fmt.Errorf("%w: max APDU length %d", ErrInvalidObject, dev.MaxAPDULength)
	}

	tr := transport.NewUDPTransport(options.listenAddress)
	tr.SetReadTimeout(options.pollInterval)

	return &Server{
		opts:      options,
		transport: tr,
		metrics:   NewMetrics(),
		logger:    options.logger,
		objects:   make(map[ObjectIdentifier]*Object),
	}, nil
}

// Device returns what the server announces in I-Am.
func (s *Server) Device() DeviceInfo {
	info := DeviceInfo{
		ObjectID:      NewObjectIdentifier(ObjectTypeDevice, s.opts.device.Instance),
		MaxAPDULength: s.opts.device.MaxAPDULength,
		Segmentation:  s.opts.device.Segmentation,
		VendorID:      s.opts.device.VendorID,
	}
	if addr := s.transport.LocalAddr(); addr != nil {
		info.Address = Address{Addr: udpToBACnetAddr(addr)}
	}
	return info
}

// DeviceConfig returns the device object identity.
func (s *Server) DeviceConfig() DeviceConfig {
	return s.opts.device
}

// Metrics returns the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.transport.LocalAddr()
}

// OnWriteProperty installs the handler for present-value writes. Without a
// handler the server stores written values itself.
func (s *Server) OnWriteProperty(h WritePropertyHandler) {
	s.mu.Lock()
	s.onWrite = h
	s.mu.Unlock()
}

// RegisterObject adds a point to the object table. It is safe to call while
// the server is running; the object is visible to the next request.
func (s *Server) RegisterObject(obj Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[obj.ID]; exists {
		return fmt.Errorf("%w: %s", ErrObjectExists, obj.ID)
	}
	o := obj
	s.objects[obj.ID] = &o
	s.order = append(s.order, obj.ID)
	s.dbRevision++
	s.metrics.Objects.Set(int64(len(s.order)))

	s.logger.Debug("object registered",
		slog.String("object", obj.ID.String()),
		slog.String("name", obj.Name),
	)
	return nil
}

// SetPresentValue replaces the present value of a registered point.
func (s *Server) SetPresentValue(id ObjectIdentifier, value float64) error {
	if err := validatePresentValue(id.Type, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	obj.PresentValue = value
	return nil
}

// Object returns a copy of a registered point.
func (s *Server) Object(id ObjectIdentifier) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return Object{}, false
	}
	return *obj, true
}

// Objects returns copies of all registered points in registration order.
func (s *Server) Objects() []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Object, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.objects[id])
	}
	return out
}

// Start binds the UDP socket and serves requests until ctx ends or Close.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	if err := s.transport.Open(ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("open transport: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.serve(loopCtx)

	s.logger.Info("bacnet server started",
		slog.String("local_addr", s.transport.LocalAddr().String()),
		slog.Uint64("device_id", uint64(s.opts.device.Instance)),
		slog.String("device_name", s.opts.device.Name),
	)

	if s.opts.announce {
		if err := s.AnnounceIAm(ctx); err != nil {
			s.logger.Warn("I-Am broadcast failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Close stops serving and releases the socket.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	<-s.done
	s.inflight.Wait()

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	s.logger.Info("bacnet server stopped")
	return nil
}

// AnnounceIAm broadcasts an unsolicited I-Am for the device.
func (s *Server) AnnounceIAm(ctx context.Context) error {
	apdu := EncodeUnconfirmedRequest(ServiceIAm, EncodeIAm(s.Device()))
	packet := Packet(BVLCOriginalBroadcastNPDU, EncodeNPDU(false, NPDUControlPriorityNormal), apdu)

	port := DefaultPort
	if local := s.transport.LocalAddr(); local != nil {
		port = local.Port
	}

	var err error
	if s.opts.broadcastAddr != "" {
		addr, rerr := broadcastTarget(s.opts.broadcastAddr, port)
		if rerr != nil {
			return rerr
		}
		err = s.transport.Send(ctx, addr, packet)
	} else {
		err = s.transport.Broadcast(ctx, port, packet)
	}
	if err != nil {
		return err
	}

	s.metrics.IAmSent.Inc()
	s.metrics.BytesSent.Add(int64(len(packet)))
	return nil
}

// broadcastTarget parses "ip" or "ip:port". A bare IP gets port.
func broadcastTarget(addr string, port int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		udp, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("invalid broadcast address %q: %w", addr, err)
		}
		return udp, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid broadcast address %q", addr)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func (s *Server) serve(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, addr, err := s.transport.ReceiveWithTimeout(s.opts.pollInterval)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.transport.IsClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		s.metrics.BytesReceived.Add(int64(len(data)))
		s.metrics.RecordActivity()

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handlePacket(ctx, data, addr)
		}()
	}
}

func (s *Server) handlePacket(ctx context.Context, data []byte, addr *net.UDPAddr) {
	bvlc, err := DecodeBVLC(data)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.logger.Debug("invalid BVLC", slog.String("from", addr.String()), slog.String("error", err.Error()))
		return
	}
	npduData, origin, err := BVLCPayload(bvlc, data)
	if err != nil {
		// BVLC results and registrations are not for a plain device.
		return
	}

	npdu, offset, err := DecodeNPDU(npduData)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.logger.Debug("invalid NPDU", slog.String("from", addr.String()), slog.String("error", err.Error()))
		return
	}
	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		return
	}
	// A remote destination network means the frame is meant for a router.
	if npdu.Control&NPDUControlDestSpecifier != 0 && npdu.DestNet != 0xFFFF {
		return
	}

	apdu, err := DecodeAPDU(npduData[offset:])
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.logger.Debug("invalid APDU", slog.String("from", addr.String()), slog.String("error", err.Error()))
		return
	}

	reply := addr
	if origin != nil {
		reply = bacnetAddrToUDP(origin)
	}

	switch apdu.Type {
	case PDUTypeConfirmedRequest:
		s.handleConfirmed(ctx, apdu, npdu, reply)
	case PDUTypeUnconfirmedRequest:
		s.handleUnconfirmed(ctx, apdu, npdu, reply)
	}
}

func (s *Server) handleUnconfirmed(ctx context.Context, apdu *APDU, npdu *NPDU, reply *net.UDPAddr) {
	if UnconfirmedServiceChoice(apdu.Service) != ServiceWhoIs {
		return
	}
	s.metrics.WhoIsReceived.Inc()

	req, err := DecodeWhoIs(apdu.Data)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		return
	}
	if !req.Matches(s.opts.device.Instance) {
		return
	}

	iam := EncodeUnconfirmedRequest(ServiceIAm, EncodeIAm(s.Device()))
	if s.send(ctx, reply, ReplyNPDU(npdu), iam) {
		s.metrics.IAmSent.Inc()
	}
}

func (s *Server) handleConfirmed(ctx context.Context, apdu *APDU, npdu *NPDU, reply *net.UDPAddr) {
	s.metrics.RequestsReceived.Inc()
	start := time.Now()
	defer func() { s.metrics.HandleLatency.Record(time.Since(start)) }()

	var resp []byte
	if apdu.Segmented {
		resp = s.abort(apdu.InvokeID, AbortReasonSegmentationNotSupported)
	} else {
		service := ConfirmedServiceChoice(apdu.Service)
		switch service {
		case ServiceReadProperty:
			resp = s.serveReadProperty(apdu)
		case ServiceReadPropertyMultiple:
			resp = s.serveReadPropertyMultiple(apdu)
		case ServiceWriteProperty:
			resp = s.serveWriteProperty(ctx, apdu)
		default:
			resp = s.reject(apdu.InvokeID, RejectReasonUnrecognizedService)
		}

		limit := MaxAPDUOctets(apdu.MaxAPDU)
		if own := int(s.opts.device.MaxAPDULength); own < limit {
			limit = own
		}
		if len(resp) > limit {
			resp = s.abort(apdu.InvokeID, AbortReasonSegmentationNotSupported)
		}

		s.logger.Debug("confirmed request",
			slog.String("service", service.String()),
			slog.Uint64("invoke_id", uint64(apdu.InvokeID)),
			slog.String("from", reply.String()),
			slog.String("response", PDUType(resp[0]&0xF0).String()),
		)
	}

	s.send(ctx, reply, ReplyNPDU(npdu), resp)
}

func (s *Server) send(ctx context.Context, addr *net.UDPAddr, npdu, apdu []byte) bool {
	packet := Packet(BVLCOriginalUnicastNPDU, npdu, apdu)
	if err := s.transport.Send(ctx, addr, packet); err != nil {
		s.logger.Debug("send failed", slog.String("to", addr.String()), slog.String("error", err.Error()))
		return false
	}
	s.metrics.BytesSent.Add(int64(len(packet)))
	return true
}

func (s *Server) fail(invokeID uint8, service ConfirmedServiceChoice, e *BACnetError) []byte {
	s.metrics.ErrorsSent.Inc()
	return EncodeErrorPDU(invokeID, service, e)
}

func (s *Server) reject(invokeID uint8, reason RejectReason) []byte {
	s.metrics.RejectsSent.Inc()
	return EncodeReject(invokeID, reason)
}

func (s *Server) abort(invokeID uint8, reason AbortReason) []byte {
	s.metrics.AbortsSent.Inc()
	return EncodeAbort(invokeID, reason)
}

// resolveDevice maps the wildcard device instance onto the local device.
func (s *Server) resolveDevice(oid ObjectIdentifier) ObjectIdentifier {
	if oid.Type == ObjectTypeDevice && oid.Instance == WildcardInstance {
		oid.Instance = s.opts.device.Instance
	}
	return oid
}

// objectListLocked returns the object-list content. Caller holds s.mu.
func (s *Server) objectListLocked() []ObjectIdentifier {
	list := make([]ObjectIdentifier, 0, len(s.order)+1)
	list = append(list, NewObjectIdentifier(ObjectTypeDevice, s.opts.device.Instance))
	return append(list, s.order...)
}

// existsLocked reports whether oid names the device or a registered point.
func (s *Server) existsLocked(oid ObjectIdentifier) bool {
	if oid.Type == ObjectTypeDevice {
		return oid.Instance == s.opts.device.Instance
	}
	_, ok := s.objects[oid]
	return ok
}

// readPropertyLocked encodes a single property. Caller holds s.mu.
func (s *Server) readPropertyLocked(oid ObjectIdentifier, prop PropertyIdentifier, index *uint32) ([]byte, *BACnetError) {
	if !s.existsLocked(oid) {
		return nil, errUnknownObject
	}
	switch prop {
	case PropertyAll, PropertyRequired, PropertyOptional:
		// Only meaningful inside ReadPropertyMultiple.
		return nil, errUnknownProperty
	}
	if oid.Type == ObjectTypeDevice {
		return encodeDeviceProperty(&s.opts.device, s.objectListLocked(), s.dbRevision, prop, index)
	}
	return encodeObjectProperty(s.objects[oid], prop, index)
}

func (s *Server) serveReadProperty(apdu *APDU) []byte {
	req, err := DecodeReadPropertyRequest(apdu.Data)
	if err != nil {
		return s.reject(apdu.InvokeID, rejectReasonFor(err))
	}
	req.ObjectID = s.resolveDevice(req.ObjectID)

	s.mu.RLock()
	value, berr := s.readPropertyLocked(req.ObjectID, req.PropertyID, req.ArrayIndex)
	s.mu.RUnlock()

	if berr != nil {
		return s.fail(apdu.InvokeID, ServiceReadProperty, berr)
	}
	s.metrics.ReadsServed.Inc()
	return EncodeComplexAck(apdu.InvokeID, ServiceReadProperty, EncodeReadPropertyAck(req, value))
}

func (s *Server) serveReadPropertyMultiple(apdu *APDU) []byte {
	specs, err := DecodeReadPropertyMultipleRequest(apdu.Data)
	if err != nil {
		return s.reject(apdu.InvokeID, rejectReasonFor(err))
	}

	s.mu.RLock()
	results := make([]ReadAccessResult, 0, len(specs))
	for _, spec := range specs {
		oid := s.resolveDevice(spec.ObjectID)
		res := ReadAccessResult{ObjectID: oid}
		exists := s.existsLocked(oid)

		for _, ref := range spec.Properties {
			switch ref.PropertyID {
			case PropertyAll, PropertyRequired, PropertyOptional:
				if !exists {
					res.Results = append(res.Results, PropertyResult{PropertyID: ref.PropertyID, Err: errUnknownObject})
					continue
				}
				for _, p := range propertyList(oid.Type, ref.PropertyID) {
					value, berr := s.readPropertyLocked(oid, p, nil)
					res.Results = append(res.Results, PropertyResult{PropertyID: p, Value: value, Err: berr})
				}
			default:
				value, berr := s.readPropertyLocked(oid, ref.PropertyID, ref.ArrayIndex)
				res.Results = append(res.Results, PropertyResult{
					PropertyID: ref.PropertyID,
					ArrayIndex: ref.ArrayIndex,
					Value:      value,
					Err:        berr,
				})
			}
		}
		results = append(results, res)
	}
	s.mu.RUnlock()

	s.metrics.ReadsServed.Inc()
	return EncodeComplexAck(apdu.InvokeID, ServiceReadPropertyMultiple, EncodeReadPropertyMultipleAck(results))
}

func (s *Server) serveWriteProperty(ctx context.Context, apdu *APDU) []byte {
	req, err := DecodeWritePropertyRequest(apdu.Data)
	if err != nil {
		return s.reject(apdu.InvokeID, rejectReasonFor(err))
	}
	req.ObjectID = s.resolveDevice(req.ObjectID)

	s.mu.RLock()
	exists := s.existsLocked(req.ObjectID)
	handler := s.onWrite
	s.mu.RUnlock()

	denied := func(e *BACnetError) []byte {
		s.metrics.WritesRejected.Inc()
		return s.fail(apdu.InvokeID, ServiceWriteProperty, e)
	}

	switch {
	case !exists:
		return denied(errUnknownObject)
	case !hasProperty(req.ObjectID.Type, req.PropertyID):
		return denied(errUnknownProperty)
	case req.PropertyID != PropertyPresentValue || !req.ObjectID.Type.Commandable():
		return denied(errWriteDenied)
	case req.ArrayIndex != nil:
		return denied(errNotAnArray)
	}

	value, berr := decodeWrittenValue(req.ObjectID.Type, req.Value)
	if berr != nil {
		return denied(berr)
	}

	if handler != nil {
		err = handler(ctx, req.ObjectID, value, req.Priority)
	} else {
		err = s.SetPresentValue(req.ObjectID, value)
	}
	if err != nil {
		var be *BACnetError
		if !errors.As(err, &be) {
			be = NewBACnetError(ErrorClassDevice, ErrorCodeOther)
		}
		s.logger.Info("write refused",
			slog.String("object", req.ObjectID.String()),
			slog.Float64("value", value),
			slog.String("error", err.Error()),
		)
		return denied(be)
	}

	s.metrics.WritesServed.Inc()
	s.logger.Info("present value written",
		slog.String("object", req.ObjectID.String()),
		slog.Float64("value", value),
		slog.Uint64("priority", uint64(req.Priority)),
	)
	return EncodeSimpleAck(apdu.InvokeID, ServiceWriteProperty)
}

// udpToBACnetAddr packs an IPv4 address and port into the 6-octet B/IP form.
func udpToBACnetAddr(addr *net.UDPAddr) []byte {
	ip := addr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	return append(append([]byte(nil), ip...), byte(addr.Port>>8), byte(addr.Port))
}

func bacnetAddrToUDP(b []byte) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(b[0], b[1], b[2], b[3]),
		Port: int(b[4])<<8 | int(b[5]),
	}
}
