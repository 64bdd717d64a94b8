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
	"encoding/binary"
	"fmt"
)

// NetworkMessageType identifies a network layer message
type NetworkMessageType uint8

// BVLC Header (BACnet Virtual Link Control)
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC encodes a BVLC header
func EncodeBVLC(function BVLCFunction, npduLength int) []byte {
	buf := make([]byte, 4)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(4+npduLength))
	return buf
}

// DecodeBVLC decodes a BVLC header
func DecodeBVLC(data []byte) (*BVLCHeader, error) {
	if len(data) < 4 {
		return nil, ErrInvalidBVLC
	}
	h := &BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}
	if h.Type != BVLCTypeBACnetIP {
		return nil, fmt.Errorf("%w: type %#x", ErrInvalidBVLC, uint8(h.Type))
	}
	if int(h.Length) > len(data) || h.Length < 4 {
		return nil, fmt.Errorf("%w: length %d for %d bytes", ErrInvalidBVLC, h.Length, len(data))
	}
	return h, nil
}

// BVLCPayload returns the NPDU carried by a BVLC frame. Forwarded NPDUs carry
// the originator's B/IP address ahead of the NPDU, which is returned separately.
func BVLCPayload(h *BVLCHeader, data []byte) (npdu []byte, origin []byte, err error) {
	payload := data[4:h.Length]
	switch h.Function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU, BVLCDistributeBroadcastToNetwork:
		return payload, nil, nil
	case BVLCForwardedNPDU:
		if len(payload) < 6 {
			return nil, nil, ErrInvalidBVLC
		}
		return payload[6:], payload[:6], nil
	default:
		return nil, nil, fmt.Errorf("%w: function %#x carries no NPDU", ErrInvalidBVLC, uint8(h.Function))
	}
}

// NPDU (Network Protocol Data Unit)
type NPDU struct {
	Version      uint8
	Control      NPDUControl
	DestNet      uint16
	DestAddr     []byte
	DestHopCount uint8
	SrcNet       uint16
	SrcAddr      []byte
	MessageType  NetworkMessageType
	VendorID     uint16
	Data         []byte
}

// HasSource reports whether the NPDU names the original source network.
func (n *NPDU) HasSource() bool {
	return n.Control&NPDUControlSourceSpecifier != 0
}

// EncodeNPDU encodes an NPDU for unicast without routing
func EncodeNPDU(expectingReply bool, priority NPDUControl) []byte {
	control := priority
	if expectingReply {
		control |= NPDUControlExpectingReply
	}
	return []byte{0x01, byte(control)}
}

// EncodeNPDUWithDest encodes an NPDU with destination address
func EncodeNPDUWithDest(destNet uint16, destAddr []byte, hopCount uint8, expectingReply bool, priority NPDUControl) []byte {
	control := priority | NPDUControlDestSpecifier
	if expectingReply {
		control |= NPDUControlExpectingReply
	}

	buf := make([]byte, 0, 8+len(destAddr))
	buf = append(buf, 0x01, byte(control))
	buf = append(buf, byte(destNet>>8), byte(destNet))
	buf = append(buf, byte(len(destAddr)))
	buf = append(buf, destAddr...)
	buf = append(buf, hopCount)
	return buf
}

// DecodeNPDU decodes an NPDU
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrInvalidNPDU
	}

	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}
	if npdu.Version != 0x01 {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, npdu.Version)
	}

	offset := 2

	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++
		if len(data) < offset+addrLen+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestAddr = append([]byte(nil), data[offset:offset+addrLen]...)
		offset += addrLen
	}

	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++
		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcAddr = append([]byte(nil), data[offset:offset+addrLen]...)
		offset += addrLen
	}

	// Hop count trails both addresses.
	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestHopCount = data[offset]
		offset++
	}

	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.MessageType = NetworkMessageType(data[offset])
		offset++

		if npdu.MessageType >= 0x80 {
			if len(data) < offset+2 {
				return nil, 0, ErrInvalidNPDU
			}
			npdu.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	npdu.Data = data[offset:]
	return npdu, offset, nil
}

// APDU Types
type APDU struct {
	Type         PDUType
	Segmented    bool
	MoreFollows  bool
	SegmentedAck bool
	Server       bool
	MaxSegments  uint8
	MaxAPDU      uint8
	InvokeID     uint8
	SequenceNum  uint8
	WindowSize   uint8
	Service      uint8
	Data         []byte
}

// EncodeConfirmedRequest encodes a confirmed service request APDU
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, data []byte, maxSegments, maxAPDU uint8) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest))
	buf = append(buf, (maxSegments<<4)|maxAPDU, invokeID, byte(service))
	return append(buf, data...)
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request APDU
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest), byte(service))
	return append(buf, data...)
}

// EncodeSimpleAck acknowledges a confirmed request that returns no data.
func EncodeSimpleAck(invokeID uint8, service ConfirmedServiceChoice) []byte {
	return []byte{byte(PDUTypeSimpleAck), invokeID, byte(service)}
}

// EncodeComplexAck carries service results back to the requester, unsegmented.
func EncodeComplexAck(invokeID uint8, service ConfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck), invokeID, byte(service))
	return append(buf, data...)
}

// EncodeErrorPDU encodes an Error-PDU with the class and code as enumerations.
func EncodeErrorPDU(invokeID uint8, service ConfirmedServiceChoice, e *BACnetError) []byte {
	buf := []byte{byte(PDUTypeError), invokeID, byte(service)}
	buf = append(buf, EncodeEnumeratedTag(uint32(e.Class))...)
	return append(buf, EncodeEnumeratedTag(uint32(e.Code))...)
}

// EncodeReject encodes a Reject-PDU
func EncodeReject(invokeID uint8, reason RejectReason) []byte {
	return []byte{byte(PDUTypeReject), invokeID, byte(reason)}
}

// EncodeAbort encodes an Abort-PDU sent by the server side of a transaction.
func EncodeAbort(invokeID uint8, reason AbortReason) []byte {
	return []byte{byte(PDUTypeAbort) | 0x01, invokeID, byte(reason)}
}

// DecodeAPDU decodes an APDU
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}

	switch t := PDUType(data[0] & 0xF0); t {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeSimpleAck:
		return decodeShortAPDU(t, data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeError:
		apdu, err := decodeShortAPDU(t, data)
		if err != nil {
			return nil, err
		}
		apdu.Data = data[3:]
		return apdu, nil
	case PDUTypeReject, PDUTypeAbort:
		// The reason travels where the service choice would.
		apdu, err := decodeShortAPDU(t, data)
		if err != nil {
			return nil, err
		}
		apdu.Server = t == PDUTypeAbort && data[0]&0x01 != 0
		return apdu, nil
	default:
		return nil, fmt.Errorf("%w: unknown PDU type %02x", ErrInvalidAPDU, uint8(t))
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:         PDUTypeConfirmedRequest,
		Segmented:    data[0]&0x08 != 0,
		MoreFollows:  data[0]&0x04 != 0,
		SegmentedAck: data[0]&0x02 != 0,
		MaxSegments:  (data[1] >> 4) & 0x07,
		MaxAPDU:      data[1] & 0x0F,
		InvokeID:     data[2],
		Service:      data[3],
		Data:         data[4:],
	}

	// Segment header sits between the invoke ID and the service choice.
	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[3]
		apdu.WindowSize = data[4]
		apdu.Service = data[5]
		apdu.Data = data[6:]
	}

	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

func decodeShortAPDU(t PDUType, data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     t,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		InvokeID:    data[1],
		Service:     data[2],
		Data:        data[3:],
	}

	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[2]
		apdu.WindowSize = data[3]
		apdu.Service = data[4]
		apdu.Data = data[5:]
	}

	return apdu, nil
}

// maxAPDUCodes maps the 4-bit max-APDU field of a confirmed request to octets.
var maxAPDUCodes = [...]int{50, 128, 206, 480, 1024, 1476}

// MaxAPDUOctets decodes the max-APDU-length-accepted field of a confirmed request.
func MaxAPDUOctets(code uint8) int {
	if int(code) < len(maxAPDUCodes) {
		return maxAPDUCodes[code]
	}
	return MaxAPDULength
}

// Packet assembles a complete BACnet/IP frame around an APDU.
func Packet(function BVLCFunction, npdu, apdu []byte) []byte {
	bvlc := EncodeBVLC(function, len(npdu)+len(apdu))
	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	return append(packet, apdu...)
}

// ReplyNPDU builds the NPDU for a response. When the request came through a
// router, the reply is addressed back to the original source network.
func ReplyNPDU(req *NPDU) []byte {
	if req != nil && req.HasSource() {
		return EncodeNPDUWithDest(req.SrcNet, req.SrcAddr, 0xFF, false, NPDUControlPriorityNormal)
	}
	return EncodeNPDU(false, NPDUControlPriorityNormal)
}
