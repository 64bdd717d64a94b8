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

// Package bacnet implements the BACnet/IP side of the simulator: the wire codec,
// a device server that answers discovery and property services for a local
// object table, and a small client used to query devices.
package bacnet

import (
	"fmt"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// MaxInstance is the highest usable object instance. 4194303 is reserved as the
// wildcard instance.
const MaxInstance = 0x3FFFFE

// BVLC Types (BACnet Virtual Link Control)
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLC Functions
type BVLCFunction uint8

const (
	BVLCResult                        BVLCFunction = 0x00
	BVLCForwardedNPDU                 BVLCFunction = 0x04
	BVLCRegisterForeignDevice         BVLCFunction = 0x05
	BVLCDistributeBroadcastToNetwork  BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU           BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU         BVLCFunction = 0x0B
)

// NPDU Network Layer Protocol Control Information
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
)

// PDU Types (Application Layer)
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

func (p PDUType) String() string {
	names := map[PDUType]string{
		PDUTypeConfirmedRequest:   "confirmed-request",
		PDUTypeUnconfirmedRequest: "unconfirmed-request",
		PDUTypeSimpleAck:          "simple-ack",
		PDUTypeComplexAck:         "complex-ack",
		PDUTypeSegmentAck:         "segment-ack",
		PDUTypeError:              "error",
		PDUTypeReject:             "reject",
		PDUTypeAbort:              "abort",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("pdu-type(%#x)", uint8(p))
}

// Confirmed Service Choices
type ConfirmedServiceChoice uint8

const (
	ServiceSubscribeCOV          ConfirmedServiceChoice = 5
	ServiceCreateObject          ConfirmedServiceChoice = 10
	ServiceDeleteObject          ConfirmedServiceChoice = 11
	ServiceReadProperty          ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple  ConfirmedServiceChoice = 14
	ServiceWriteProperty         ConfirmedServiceChoice = 15
	ServiceWritePropertyMultiple ConfirmedServiceChoice = 16
	ServiceReinitializeDevice    ConfirmedServiceChoice = 20
)

func (s ConfirmedServiceChoice) String() string {
	names := map[ConfirmedServiceChoice]string{
		ServiceSubscribeCOV:          "SubscribeCOV",
		ServiceCreateObject:          "CreateObject",
		ServiceDeleteObject:          "DeleteObject",
		ServiceReadProperty:          "ReadProperty",
		ServiceReadPropertyMultiple:  "ReadPropertyMultiple",
		ServiceWriteProperty:         "WriteProperty",
		ServiceWritePropertyMultiple: "WritePropertyMultiple",
		ServiceReinitializeDevice:    "ReinitializeDevice",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// Unconfirmed Service Choices
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm    UnconfirmedServiceChoice = 0
	ServiceIHave  UnconfirmedServiceChoice = 1
	ServiceWhoHas UnconfirmedServiceChoice = 7
	ServiceWhoIs  UnconfirmedServiceChoice = 8
)

func (s UnconfirmedServiceChoice) String() string {
	names := map[UnconfirmedServiceChoice]string{
		ServiceIAm:    "I-Am",
		ServiceIHave:  "I-Have",
		ServiceWhoHas: "Who-Has",
		ServiceWhoIs:  "Who-Is",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// ObjectType represents BACnet object types
type ObjectType uint16

const (
	ObjectTypeAnalogInput  ObjectType = 0
	ObjectTypeAnalogOutput ObjectType = 1
	ObjectTypeAnalogValue  ObjectType = 2
	ObjectTypeBinaryInput  ObjectType = 3
	ObjectTypeBinaryOutput ObjectType = 4
	ObjectTypeBinaryValue  ObjectType = 5
	ObjectTypeDevice       ObjectType = 8
)

var objectTypeNames = map[ObjectType]string{
	ObjectTypeAnalogInput:  "analog-input",
	ObjectTypeAnalogOutput: "analog-output",
	ObjectTypeAnalogValue:  "analog-value",
	ObjectTypeBinaryInput:  "binary-input",
	ObjectTypeBinaryOutput: "binary-output",
	ObjectTypeBinaryValue:  "binary-value",
	ObjectTypeDevice:       "device",
}

func (o ObjectType) String() string {
	if name, ok := objectTypeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("object-type(%d)", o)
}

// IsAnalog reports whether present-value of this type is a REAL.
func (o ObjectType) IsAnalog() bool {
	return o == ObjectTypeAnalogInput || o == ObjectTypeAnalogOutput || o == ObjectTypeAnalogValue
}

// IsBinary reports whether present-value of this type is a BACnetBinaryPV.
func (o ObjectType) IsBinary() bool {
	return o == ObjectTypeBinaryInput || o == ObjectTypeBinaryOutput || o == ObjectTypeBinaryValue
}

// Commandable reports whether present-value may be written over the network.
// Inputs are read-only.
func (o ObjectType) Commandable() bool {
	switch o {
	case ObjectTypeAnalogOutput, ObjectTypeAnalogValue, ObjectTypeBinaryOutput, ObjectTypeBinaryValue:
		return true
	}
	return false
}

// ParseObjectType parses a name, short code or number into an ObjectType
func ParseObjectType(s string) (ObjectType, bool) {
	types := map[string]ObjectType{
		"analog-input":  ObjectTypeAnalogInput,
		"ai":            ObjectTypeAnalogInput,
		"analog-output": ObjectTypeAnalogOutput,
		"ao":            ObjectTypeAnalogOutput,
		"analog-value":  ObjectTypeAnalogValue,
		"av":            ObjectTypeAnalogValue,
		"binary-input":  ObjectTypeBinaryInput,
		"bi":            ObjectTypeBinaryInput,
		"binary-output": ObjectTypeBinaryOutput,
		"bo":            ObjectTypeBinaryOutput,
		"binary-value":  ObjectTypeBinaryValue,
		"bv":            ObjectTypeBinaryValue,
		"device":        ObjectTypeDevice,
		"dev":           ObjectTypeDevice,
	}
	if t, ok := types[strings.ToLower(s)]; ok {
		return t, true
	}
	var n uint16
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n < 1024 {
		return ObjectType(n), true
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers
type PropertyIdentifier uint32

const (
	PropertyAll                        PropertyIdentifier = 8
	PropertyApduTimeout                PropertyIdentifier = 11
	PropertyApplicationSoftwareVersion PropertyIdentifier = 12
	PropertyDescription                PropertyIdentifier = 28
	PropertyEventState                 PropertyIdentifier = 36
	PropertyFirmwareRevision           PropertyIdentifier = 44
	PropertyLocation                   PropertyIdentifier = 58
	PropertyMaxApduLengthAccepted      PropertyIdentifier = 62
	PropertyModelName                  PropertyIdentifier = 70
	PropertyNumberOfApduRetries        PropertyIdentifier = 73
	PropertyObjectIdentifier           PropertyIdentifier = 75
	PropertyObjectList                 PropertyIdentifier = 76
	PropertyObjectName                 PropertyIdentifier = 77
	PropertyObjectType                 PropertyIdentifier = 79
	PropertyOptional                   PropertyIdentifier = 80
	PropertyOutOfService               PropertyIdentifier = 81
	PropertyPresentValue               PropertyIdentifier = 85
	PropertyPriorityArray              PropertyIdentifier = 87
	PropertyProtocolVersion            PropertyIdentifier = 98
	PropertyReliability                PropertyIdentifier = 103
	PropertyRequired                   PropertyIdentifier = 105
	PropertySegmentationSupported      PropertyIdentifier = 107
	PropertyStatusFlags                PropertyIdentifier = 111
	PropertySystemStatus               PropertyIdentifier = 112
	PropertyUnits                      PropertyIdentifier = 117
	PropertyVendorIdentifier           PropertyIdentifier = 120
	PropertyVendorName                 PropertyIdentifier = 121
	PropertyProtocolRevision           PropertyIdentifier = 139
	PropertyDatabaseRevision           PropertyIdentifier = 155
)

var propertyNames = map[PropertyIdentifier]string{
	PropertyAll:                        "all",
	PropertyApduTimeout:                "apdu-timeout",
	PropertyApplicationSoftwareVersion: "application-software-version",
	PropertyDescription:                "description",
	PropertyEventState:                 "event-state",
	PropertyFirmwareRevision:           "firmware-revision",
	PropertyLocation:                   "location",
	PropertyMaxApduLengthAccepted:      "max-apdu-length-accepted",
	PropertyModelName:                  "model-name",
	PropertyNumberOfApduRetries:        "number-of-apdu-retries",
	PropertyObjectIdentifier:           "object-identifier",
	PropertyObjectList:                 "object-list",
	PropertyObjectName:                 "object-name",
	PropertyObjectType:                 "object-type",
	PropertyOptional:                   "optional",
	PropertyOutOfService:               "out-of-service",
	PropertyPresentValue:               "present-value",
	PropertyPriorityArray:              "priority-array",
	PropertyProtocolVersion:            "protocol-version",
	PropertyReliability:                "reliability",
	PropertyRequired:                   "required",
	PropertySegmentationSupported:      "segmentation-supported",
	PropertyStatusFlags:                "status-flags",
	PropertySystemStatus:               "system-status",
	PropertyUnits:                      "units",
	PropertyVendorIdentifier:           "vendor-identifier",
	PropertyVendorName:                 "vendor-name",
	PropertyProtocolRevision:           "protocol-revision",
	PropertyDatabaseRevision:           "database-revision",
}

func (p PropertyIdentifier) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", p)
}

// ParsePropertyIdentifier parses a name, short alias or number into a PropertyIdentifier
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	s = strings.ToLower(s)
	aliases := map[string]PropertyIdentifier{
		"oid":  PropertyObjectIdentifier,
		"name": PropertyObjectName,
		"type": PropertyObjectType,
		"pv":   PropertyPresentValue,
		"desc": PropertyDescription,
		"sf":   PropertyStatusFlags,
		"oos":  PropertyOutOfService,
	}
	if p, ok := aliases[s]; ok {
		return p, true
	}
	for p, name := range propertyNames {
		if name == s {
			return p, true
		}
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return PropertyIdentifier(n), true
	}
	return 0, false
}

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Encode encodes the object identifier to a 4-byte value
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & 0x3FFFFF)
}

// DecodeObjectIdentifier decodes a 4-byte value to an ObjectIdentifier
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & 0x3FFFFF,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// ParseObjectIdentifier parses "type:instance", e.g. "analog-input:1" or "ai:1".
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("expected type:instance, got %q", s)
	}
	t, ok := ParseObjectType(typ)
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("unknown object type %q", typ)
	}
	var n uint32
	if _, err := fmt.Sscanf(inst, "%d", &n); err != nil || n > MaxInstance+1 {
		return ObjectIdentifier{}, fmt.Errorf("invalid instance %q", inst)
	}
	return NewObjectIdentifier(t, n), nil
}

// StatusFlags represents the BACnet status flags
type StatusFlags struct {
	InAlarm      bool
	Fault        bool
	Overridden   bool
	OutOfService bool
}

// Bits returns the flags packed MSB first, as they appear in a BIT STRING.
func (s StatusFlags) Bits() byte {
	var b byte
	if s.InAlarm {
		b |= 0x80
	}
	if s.Fault {
		b |= 0x40
	}
	if s.Overridden {
		b |= 0x20
	}
	if s.OutOfService {
		b |= 0x10
	}
	return b
}

func (s StatusFlags) String() string {
	return fmt.Sprintf("{in-alarm:%v, fault:%v, overridden:%v, out-of-service:%v}",
		s.InAlarm, s.Fault, s.Overridden, s.OutOfService)
}

// EventState represents the BACnet event state
type EventState uint8

const (
	EventStateNormal EventState = 0
	EventStateFault  EventState = 1
)

// EngineeringUnits represents BACnet engineering units
type EngineeringUnits uint16

const (
	UnitsPercent        EngineeringUnits = 98
	UnitsDegreesCelsius EngineeringUnits = 62
	UnitsNoUnits        EngineeringUnits = 95
)

// Segmentation represents the BACnet segmentation capability
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	names := map[Segmentation]string{
		SegmentationBoth:     "segmented-both",
		SegmentationTransmit: "segmented-transmit",
		SegmentationReceive:  "segmented-receive",
		SegmentationNone:     "no-segmentation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("segmentation(%d)", s)
}

// DeviceStatus represents the BACnet device status
type DeviceStatus uint8

const (
	DeviceStatusOperational         DeviceStatus = 0
	DeviceStatusOperationalReadOnly DeviceStatus = 1
	DeviceStatusNonOperational      DeviceStatus = 4
)

// Address represents a BACnet network address
type Address struct {
	Net  uint16
	Addr []byte
}

// IsLocal reports whether the address is on the local network.
func (a Address) IsLocal() bool {
	return a.Net == 0
}

// DeviceInfo is what an I-Am tells about a device.
type DeviceInfo struct {
	ObjectID      ObjectIdentifier
	Address       Address
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}

// Tag types for BACnet encoding
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)
