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
	"fmt"
	"math"
)

// Object is a point exposed by a Server. Binary objects hold 0 (inactive) or
// 1 (active) in PresentValue.
type Object struct {
	ID           ObjectIdentifier
	Name         string
	Description  string
	PresentValue float64
	Units        EngineeringUnits
	OutOfService bool
}

// Validate checks that the object can be served.
func (o Object) Validate() error {
	if !o.ID.Type.IsAnalog() && !o.ID.Type.IsBinary() {
		return fmt.Errorf("%w: type %s", ErrInvalidObject, o.ID.Type)
	}
	if o.ID.Instance > MaxInstance {
		return fmt.Errorf("%w: instance %d", ErrInvalidObject, o.ID.Instance)
	}
	if o.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidObject)
	}
	return validatePresentValue(o.ID.Type, o.PresentValue)
}

func validatePresentValue(t ObjectType, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidObject)
	}
	if t.IsBinary() && v != 0 && v != 1 {
		return fmt.Errorf("%w: binary value %v", ErrInvalidObject, v)
	}
	if t.IsAnalog() && math.Abs(v) > math.MaxFloat32 {
		return fmt.Errorf("%w: value %v exceeds REAL range", ErrInvalidObject, v)
	}
	return nil
}

var (
	analogRequired = []PropertyIdentifier{
		PropertyObjectIdentifier, PropertyObjectName, PropertyObjectType, PropertyPresentValue,
		PropertyStatusFlags, PropertyEventState, PropertyOutOfService, PropertyUnits,
	}
	binaryRequired = []PropertyIdentifier{
		PropertyObjectIdentifier, PropertyObjectName, PropertyObjectType, PropertyPresentValue,
		PropertyStatusFlags, PropertyEventState, PropertyOutOfService,
	}
	objectOptional = []PropertyIdentifier{PropertyDescription}

	deviceRequired = []PropertyIdentifier{
		PropertyObjectIdentifier, PropertyObjectName, PropertyObjectType, PropertySystemStatus,
		PropertyVendorName, PropertyVendorIdentifier, PropertyModelName, PropertyFirmwareRevision,
		PropertyApplicationSoftwareVersion, PropertyProtocolVersion, PropertyProtocolRevision,
		PropertyObjectList, PropertyMaxApduLengthAccepted, PropertySegmentationSupported,
		PropertyApduTimeout, PropertyNumberOfApduRetries, PropertyDatabaseRevision,
	}
	deviceOptional = []PropertyIdentifier{PropertyDescription, PropertyLocation}
)

// propertyList returns the properties an object of type t carries.
func propertyList(t ObjectType, which PropertyIdentifier) []PropertyIdentifier {
	var required, optional []PropertyIdentifier
	switch {
	case t == ObjectTypeDevice:
		required, optional = deviceRequired, deviceOptional
	case t.IsAnalog():
		required, optional = analogRequired, objectOptional
	default:
		required, optional = binaryRequired, objectOptional
	}
	switch which {
	case PropertyRequired:
		return required
	case PropertyOptional:
		return optional
	}
	all := make([]PropertyIdentifier, 0, len(required)+len(optional))
	all = append(all, required...)
	return append(all, optional...)
}

func hasProperty(t ObjectType, prop PropertyIdentifier) bool {
	for _, p := range propertyList(t, PropertyAll) {
		if p == prop {
			return true
		}
	}
	return false
}

// encodeObjectProperty encodes one property of a point.
func encodeObjectProperty(o *Object, prop PropertyIdentifier, index *uint32) ([]byte, *BACnetError) {
	if !hasProperty(o.ID.Type, prop) {
		return nil, errUnknownProperty
	}
	if index != nil {
		return nil, errNotAnArray
	}

	switch prop {
	case PropertyObjectIdentifier:
		return EncodeObjectIdentifierTag(o.ID), nil
	case PropertyObjectName:
		return EncodeCharacterStringTag(o.Name), nil
	case PropertyObjectType:
		return EncodeEnumeratedTag(uint32(o.ID.Type)), nil
	case PropertyPresentValue:
		if o.ID.Type.IsBinary() {
			return EncodeEnumeratedTag(uint32(o.PresentValue)), nil
		}
		return EncodeRealTag(float32(o.PresentValue)), nil
	case PropertyDescription:
		return EncodeCharacterStringTag(o.Description), nil
	case PropertyStatusFlags:
		return EncodeBitStringTag([]byte{StatusFlags{OutOfService: o.OutOfService}.Bits()}, 4), nil
	case PropertyEventState:
		return EncodeEnumeratedTag(uint32(EventStateNormal)), nil
	case PropertyOutOfService:
		return EncodeBooleanTag(o.OutOfService), nil
	case PropertyUnits:
		return EncodeEnumeratedTag(uint32(o.Units)), nil
	}
	return nil, errUnknownProperty
}

// encodeDeviceProperty encodes one property of the device object. objects is
// the object-list content in order, device first.
func encodeDeviceProperty(cfg *DeviceConfig, objects []ObjectIdentifier, dbRevision uint32, prop PropertyIdentifier, index *uint32) ([]byte, *BACnetError) {
	if !hasProperty(ObjectTypeDevice, prop) {
		return nil, errUnknownProperty
	}

	if prop == PropertyObjectList {
		if index == nil {
			data := make([]byte, 0, 5*len(objects))
			for _, oid := range objects {
				data = append(data, EncodeObjectIdentifierTag(oid)...)
			}
			return data, nil
		}
		switch i := *index; {
		case i == 0:
			return EncodeUnsignedTag(uint32(len(objects))), nil
		case int(i) <= len(objects):
			return EncodeObjectIdentifierTag(objects[i-1]), nil
		default:
			return nil, errBadArrayIndex
		}
	}
	if index != nil {
		return nil, errNotAnArray
	}

	switch prop {
	case PropertyObjectIdentifier:
		return EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeDevice, cfg.Instance)), nil
	case PropertyObjectName:
		return EncodeCharacterStringTag(cfg.Name), nil
	case PropertyObjectType:
		return EncodeEnumeratedTag(uint32(ObjectTypeDevice)), nil
	case PropertySystemStatus:
		return EncodeEnumeratedTag(uint32(DeviceStatusOperational)), nil
	case PropertyVendorName:
		return EncodeCharacterStringTag(cfg.VendorName), nil
	case PropertyVendorIdentifier:
		return EncodeUnsignedTag(uint32(cfg.VendorID)), nil
	case PropertyModelName:
		return EncodeCharacterStringTag(cfg.ModelName), nil
	case PropertyFirmwareRevision:
		return EncodeCharacterStringTag(cfg.FirmwareRevision), nil
	case PropertyApplicationSoftwareVersion:
		return EncodeCharacterStringTag(cfg.SoftwareVersion), nil
	case PropertyProtocolVersion:
		return EncodeUnsignedTag(1), nil
	case PropertyProtocolRevision:
		return EncodeUnsignedTag(uint32(cfg.ProtocolRevision)), nil
	case PropertyMaxApduLengthAccepted:
		return EncodeUnsignedTag(uint32(cfg.MaxAPDULength)), nil
	case PropertySegmentationSupported:
		return EncodeEnumeratedTag(uint32(cfg.Segmentation)), nil
	case PropertyApduTimeout:
		return EncodeUnsignedTag(uint32(cfg.APDUTimeout.Milliseconds())), nil
	case PropertyNumberOfApduRetries:
		return EncodeUnsignedTag(uint32(cfg.APDURetries)), nil
	case PropertyDatabaseRevision:
		return EncodeUnsignedTag(dbRevision), nil
	case PropertyDescription:
		return EncodeCharacterStringTag(cfg.Description), nil
	case PropertyLocation:
		return EncodeCharacterStringTag(cfg.Location), nil
	}
	return nil, errUnknownProperty
}

// decodeWrittenValue converts a WriteProperty value into a present value for
// an object of type t.
func decodeWrittenValue(t ObjectType, data []byte) (float64, *BACnetError) {
	values, err := DecodeApplicationValues(data)
	if err != nil || len(values) != 1 {
		return 0, errInvalidDataType
	}

	var v float64
	if t.IsBinary() {
		switch x := values[0].(type) {
		case Enumerated:
			v = float64(x)
		case uint32:
			v = float64(x)
		case bool:
			if x {
				v = 1
			}
		default:
			return 0, errInvalidDataType
		}
	} else {
		switch x := values[0].(type) {
		case float32:
			v = float64(x)
		case float64:
			v = x
		case uint32:
			v = float64(x)
		case int32:
			v = float64(x)
		default:
			return 0, errInvalidDataType
		}
	}

	if validatePresentValue(t, v) != nil {
		return 0, NewBACnetError(ErrorClassProperty, ErrorCodeValueOutOfRange)
	}
	return v, nil
}
