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
	"errors"
	"fmt"
)

var errMissingParameter = fmt.Errorf("%w: missing required parameter", ErrInvalidAPDU)

// ReadPropertyRequest identifies a single property, optionally one array element.
type ReadPropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}

// PropertyValue is a decoded property read result. Err is set instead of Value
// when the device reported an access error for this property.
type PropertyValue struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      any
	Err        *BACnetError
}

// WritePropertyRequest carries a WriteProperty service request. Value holds the
// application-tagged encoding found between the [3] tags. Priority is zero
// when the request omitted it.
type WritePropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      []byte
	Priority   uint8
}

// PropertyReference names one property inside a ReadAccessSpec.
type PropertyReference struct {
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}

// ReadAccessSpec lists the properties to read from one object.
type ReadAccessSpec struct {
	ObjectID   ObjectIdentifier
	Properties []PropertyReference
}

// PropertyResult is one entry of a ReadPropertyMultiple acknowledgement.
// Exactly one of Value and Err is set.
type PropertyResult struct {
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      []byte
	Err        *BACnetError
}

// ReadAccessResult groups the results for one object.
type ReadAccessResult struct {
	ObjectID ObjectIdentifier
	Results  []PropertyResult
}

// WhoIsRequest is a Who-Is, optionally limited to an instance range.
type WhoIsRequest struct {
	Low  *uint32
	High *uint32
}

// Matches reports whether a device instance falls inside the requested range.
func (r WhoIsRequest) Matches(instance uint32) bool {
	if r.Low == nil || r.High == nil {
		return true
	}
	return instance >= *r.Low && instance <= *r.High
}

// tagDecoder walks a sequence of tagged elements.
type tagDecoder struct {
	data []byte
	off  int
}

func (d *tagDecoder) done() bool {
	return d.off >= len(d.data)
}

func (d *tagDecoder) peek() (tagNum uint8, class TagClass, length int, headerLen int, err error) {
	if d.done() {
		return 0, 0, 0, 0, errMissingParameter
	}
	return DecodeTagNumber(d.data[d.off:])
}

// isContext reports whether the next element is primitive context tag n.
func (d *tagDecoder) isContext(n uint8) bool {
	tagNum, class, length, _, err := d.peek()
	return err == nil && class == TagClassContext && tagNum == n && length >= 0
}

func (d *tagDecoder) isOpening(n uint8) bool {
	tagNum, class, length, _, err := d.peek()
	return err == nil && class == TagClassContext && tagNum == n && length == -1
}

func (d *tagDecoder) isClosing(n uint8) bool {
	tagNum, class, length, _, err := d.peek()
	return err == nil && class == TagClassContext && tagNum == n && length == -2
}

func (d *tagDecoder) context(n uint8) ([]byte, error) {
	if d.done() {
		return nil, errMissingParameter
	}
	tagNum, class, length, headerLen, err := d.peek()
	if err != nil {
		return nil, err
	}
	if class != TagClassContext || tagNum != n || length < 0 {
		return nil, fmt.Errorf("%w: expected context tag %d", errMissingParameter, n)
	}
	end := d.off + headerLen + length
	if end > len(d.data) {
		return nil, fmt.Errorf("%w: context tag %d overruns buffer", ErrInvalidAPDU, n)
	}
	raw := d.data[d.off+headerLen : end]
	d.off = end
	return raw, nil
}

func (d *tagDecoder) contextUnsigned(n uint8) (uint32, error) {
	raw, err := d.context(n)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 || len(raw) > 4 {
		return 0, fmt.Errorf("%w: unsigned of %d octets", ErrInvalidAPDU, len(raw))
	}
	return DecodeUnsigned(raw), nil
}

func (d *tagDecoder) optionalUnsigned(n uint8) (*uint32, error) {
	if !d.isContext(n) {
		return nil, nil
	}
	v, err := d.contextUnsigned(n)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *tagDecoder) contextObjectID(n uint8) (ObjectIdentifier, error) {
	raw, err := d.context(n)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	if len(raw) != 4 {
		return ObjectIdentifier{}, fmt.Errorf("%w: object identifier of %d octets", ErrInvalidAPDU, len(raw))
	}
	return DecodeObjectIdentifierFromBytes(raw), nil
}

func (d *tagDecoder) opening(n uint8) error {
	if !d.isOpening(n) {
		return fmt.Errorf("%w: expected opening tag %d", errMissingParameter, n)
	}
	_, _, _, headerLen, _ := d.peek()
	d.off += headerLen
	return nil
}

func (d *tagDecoder) closing(n uint8) error {
	if !d.isClosing(n) {
		return fmt.Errorf("%w: expected closing tag %d", ErrInvalidAPDU, n)
	}
	_, _, _, headerLen, _ := d.peek()
	d.off += headerLen
	return nil
}

// enclosed consumes an opening tag n, its content and the matching closing tag,
// returning the content.
func (d *tagDecoder) enclosed(n uint8) ([]byte, error) {
	if !d.isOpening(n) {
		return nil, fmt.Errorf("%w: expected opening tag %d", errMissingParameter, n)
	}
	size, err := skipElement(d.data[d.off:])
	if err != nil {
		return nil, err
	}
	_, _, _, openLen, _ := d.peek()
	closeLen := len(EncodeClosingTag(n))
	content := d.data[d.off+openLen : d.off+size-closeLen]
	d.off += size
	return content, nil
}

// application decodes one application-tagged element.
func (d *tagDecoder) application() (any, error) {
	if d.done() {
		return nil, errMissingParameter
	}
	v, n, err := DecodeApplicationValue(d.data[d.off:])
	if err != nil {
		return nil, err
	}
	d.off += n
	return v, nil
}

// DecodeApplicationValues decodes a run of application-tagged elements.
func DecodeApplicationValues(data []byte) ([]any, error) {
	d := &tagDecoder{data: data}
	var values []any
	for !d.done() {
		v, err := d.application()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Encode encodes the ReadProperty service request parameters.
func (r ReadPropertyRequest) Encode() []byte {
	data := make([]byte, 0, 16)
	data = append(data, EncodeContextObjectIdentifier(0, r.ObjectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(r.PropertyID))...)
	if r.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *r.ArrayIndex)...)
	}
	return data
}

// DecodeReadPropertyRequest decodes ReadProperty service request parameters.
func DecodeReadPropertyRequest(data []byte) (ReadPropertyRequest, error) {
	d := &tagDecoder{data: data}
	var req ReadPropertyRequest
	var err error

	if req.ObjectID, err = d.contextObjectID(0); err != nil {
		return req, err
	}
	prop, err := d.contextUnsigned(1)
	if err != nil {
		return req, err
	}
	req.PropertyID = PropertyIdentifier(prop)
	if req.ArrayIndex, err = d.optionalUnsigned(2); err != nil {
		return req, err
	}
	if !d.done() {
		return req, fmt.Errorf("%w: trailing data after ReadProperty", ErrInvalidAPDU)
	}
	return req, nil
}

// EncodeReadPropertyAck encodes a ReadProperty-ACK. value holds one or more
// application-tagged elements.
func EncodeReadPropertyAck(req ReadPropertyRequest, value []byte) []byte {
	data := req.Encode()
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, value...)
	return append(data, EncodeClosingTag(3)...)
}

// DecodeReadPropertyAck decodes a ReadProperty-ACK. A property holding several
// elements (a whole array, for instance) decodes to []any.
func DecodeReadPropertyAck(data []byte) (PropertyValue, error) {
	d := &tagDecoder{data: data}
	var pv PropertyValue
	var err error

	if pv.ObjectID, err = d.contextObjectID(0); err != nil {
		return pv, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	prop, err := d.contextUnsigned(1)
	if err != nil {
		return pv, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	pv.PropertyID = PropertyIdentifier(prop)
	if pv.ArrayIndex, err = d.optionalUnsigned(2); err != nil {
		return pv, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	content, err := d.enclosed(3)
	if err != nil {
		return pv, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	pv.Value, err = collapseValues(content)
	return pv, err
}

func collapseValues(content []byte) (any, error) {
	values, err := DecodeApplicationValues(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	}
	return values, nil
}

// Encode encodes the WriteProperty service request parameters.
func (r WritePropertyRequest) Encode() []byte {
	data := make([]byte, 0, 24+len(r.Value))
	data = append(data, EncodeContextObjectIdentifier(0, r.ObjectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(r.PropertyID))...)
	if r.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *r.ArrayIndex)...)
	}
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, r.Value...)
	data = append(data, EncodeClosingTag(3)...)
	if r.Priority != 0 {
		data = append(data, EncodeContextUnsigned(4, uint32(r.Priority))...)
	}
	return data
}

// DecodeWritePropertyRequest decodes WriteProperty service request parameters.
func DecodeWritePropertyRequest(data []byte) (WritePropertyRequest, error) {
	d := &tagDecoder{data: data}
	var req WritePropertyRequest
	var err error

	if req.ObjectID, err = d.contextObjectID(0); err != nil {
		return req, err
	}
	prop, err := d.contextUnsigned(1)
	if err != nil {
		return req, err
	}
	req.PropertyID = PropertyIdentifier(prop)
	if req.ArrayIndex, err = d.optionalUnsigned(2); err != nil {
		return req, err
	}
	if req.Value, err = d.enclosed(3); err != nil {
		return req, err
	}
	if len(req.Value) == 0 {
		return req, fmt.Errorf("%w: empty property value", errMissingParameter)
	}
	prio, err := d.optionalUnsigned(4)
	if err != nil {
		return req, err
	}
	if prio != nil {
		if *prio < 1 || *prio > 16 {
			return req, fmt.Errorf("%w: priority %d", ErrInvalidAPDU, *prio)
		}
		req.Priority = uint8(*prio)
	}
	return req, nil
}

// EncodeReadPropertyMultipleRequest encodes ReadPropertyMultiple request parameters.
func EncodeReadPropertyMultipleRequest(specs []ReadAccessSpec) []byte {
	data := make([]byte, 0, 64)
	for _, spec := range specs {
		data = append(data, EncodeContextObjectIdentifier(0, spec.ObjectID)...)
		data = append(data, EncodeOpeningTag(1)...)
		for _, ref := range spec.Properties {
			data = append(data, EncodeContextEnumerated(0, uint32(ref.PropertyID))...)
			if ref.ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(1, *ref.ArrayIndex)...)
			}
		}
		data = append(data, EncodeClosingTag(1)...)
	}
	return data
}

// DecodeReadPropertyMultipleRequest decodes ReadPropertyMultiple request parameters.
func DecodeReadPropertyMultipleRequest(data []byte) ([]ReadAccessSpec, error) {
	d := &tagDecoder{data: data}
	var specs []ReadAccessSpec

	for !d.done() {
		oid, err := d.contextObjectID(0)
		if err != nil {
			return nil, err
		}
		if err := d.opening(1); err != nil {
			return nil, err
		}
		spec := ReadAccessSpec{ObjectID: oid}
		for !d.isClosing(1) {
			prop, err := d.contextUnsigned(0)
			if err != nil {
				return nil, err
			}
			idx, err := d.optionalUnsigned(1)
			if err != nil {
				return nil, err
			}
			spec.Properties = append(spec.Properties, PropertyReference{
				PropertyID: PropertyIdentifier(prop),
				ArrayIndex: idx,
			})
		}
		if err := d.closing(1); err != nil {
			return nil, err
		}
		if len(spec.Properties) == 0 {
			return nil, fmt.Errorf("%w: empty property list for %s", errMissingParameter, oid)
		}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, errMissingParameter
	}
	return specs, nil
}

// EncodeReadPropertyMultipleAck encodes a ReadPropertyMultiple-ACK.
func EncodeReadPropertyMultipleAck(results []ReadAccessResult) []byte {
	data := make([]byte, 0, 128)
	for _, res := range results {
		data = append(data, EncodeContextObjectIdentifier(0, res.ObjectID)...)
		data = append(data, EncodeOpeningTag(1)...)
		for _, r := range res.Results {
			data = append(data, EncodeContextEnumerated(2, uint32(r.PropertyID))...)
			if r.ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(3, *r.ArrayIndex)...)
			}
			if r.Err != nil {
				data = append(data, EncodeOpeningTag(5)...)
				data = append(data, EncodeEnumeratedTag(uint32(r.Err.Class))...)
				data = append(data, EncodeEnumeratedTag(uint32(r.Err.Code))...)
				data = append(data, EncodeClosingTag(5)...)
				continue
			}
			data = append(data, EncodeOpeningTag(4)...)
			data = append(data, r.Value...)
			data = append(data, EncodeClosingTag(4)...)
		}
		data = append(data, EncodeClosingTag(1)...)
	}
	return data
}

// DecodeReadPropertyMultipleAck decodes a ReadPropertyMultiple-ACK into a flat
// list of property values in response order.
func DecodeReadPropertyMultipleAck(data []byte) ([]PropertyValue, error) {
	d := &tagDecoder{data: data}
	var out []PropertyValue

	for !d.done() {
		oid, err := d.contextObjectID(0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if err := d.opening(1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		for !d.isClosing(1) {
			prop, err := d.contextUnsigned(2)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}
			idx, err := d.optionalUnsigned(3)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}
			pv := PropertyValue{ObjectID: oid, PropertyID: PropertyIdentifier(prop), ArrayIndex: idx}

			switch {
			case d.isOpening(4):
				content, err := d.enclosed(4)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
				}
				if pv.Value, err = collapseValues(content); err != nil {
					return nil, err
				}
			case d.isOpening(5):
				content, err := d.enclosed(5)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
				}
				if pv.Err, err = decodeErrorPair(content); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("%w: property %s has neither value nor error", ErrInvalidResponse, pv.PropertyID)
			}
			out = append(out, pv)
		}
		if err := d.closing(1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}
	return out, nil
}

// Encode encodes the Who-Is parameters. Limits are only sent as a pair.
func (r WhoIsRequest) Encode() []byte {
	if r.Low == nil || r.High == nil {
		return nil
	}
	data := EncodeContextUnsigned(0, *r.Low)
	return append(data, EncodeContextUnsigned(1, *r.High)...)
}

// DecodeWhoIs decodes Who-Is parameters. Both limits must be present or absent.
func DecodeWhoIs(data []byte) (WhoIsRequest, error) {
	var req WhoIsRequest
	if len(data) == 0 {
		return req, nil
	}
	d := &tagDecoder{data: data}
	low, err := d.contextUnsigned(0)
	if err != nil {
		return req, err
	}
	high, err := d.contextUnsigned(1)
	if err != nil {
		return req, err
	}
	if low > MaxInstance+1 || high > MaxInstance+1 {
		return req, fmt.Errorf("%w: who-is limit out of range", ErrInvalidAPDU)
	}
	req.Low, req.High = &low, &high
	return req, nil
}

// EncodeIAm encodes the I-Am parameters for a device.
func EncodeIAm(info DeviceInfo) []byte {
	data := make([]byte, 0, 16)
	data = append(data, EncodeObjectIdentifierTag(info.ObjectID)...)
	data = append(data, EncodeUnsignedTag(uint32(info.MaxAPDULength))...)
	data = append(data, EncodeEnumeratedTag(uint32(info.Segmentation))...)
	return append(data, EncodeUnsignedTag(uint32(info.VendorID))...)
}

// DecodeIAm decodes I-Am parameters. The address is left for the caller to fill.
func DecodeIAm(data []byte) (DeviceInfo, error) {
	values, err := DecodeApplicationValues(data)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(values) != 4 {
		return DeviceInfo{}, fmt.Errorf("%w: I-Am with %d parameters", ErrInvalidAPDU, len(values))
	}
	oid, ok1 := values[0].(ObjectIdentifier)
	maxAPDU, ok2 := values[1].(uint32)
	seg, ok3 := values[2].(Enumerated)
	vendor, ok4 := values[3].(uint32)
	if !ok1 || !ok2 || !ok3 || !ok4 || oid.Type != ObjectTypeDevice {
		return DeviceInfo{}, fmt.Errorf("%w: malformed I-Am", ErrInvalidAPDU)
	}
	return DeviceInfo{
		ObjectID:      oid,
		MaxAPDULength: uint16(maxAPDU),
		Segmentation:  Segmentation(seg),
		VendorID:      uint16(vendor),
	}, nil
}

// DecodeErrorPDU decodes the class and code carried by an Error-PDU.
func DecodeErrorPDU(data []byte) (*BACnetError, error) {
	return decodeErrorPair(data)
}

func decodeErrorPair(data []byte) (*BACnetError, error) {
	values, err := DecodeApplicationValues(data)
	if err != nil || len(values) != 2 {
		return nil, ErrInvalidResponse
	}
	class, ok1 := values[0].(Enumerated)
	code, ok2 := values[1].(Enumerated)
	if !ok1 || !ok2 {
		return nil, ErrInvalidResponse
	}
	return NewBACnetError(ErrorClass(class), ErrorCode(code)), nil
}

// rejectReasonFor picks the reject reason for a request that failed to decode.
func rejectReasonFor(err error) RejectReason {
	if errors.Is(err, errMissingParameter) {
		return RejectReasonMissingRequiredParameter
	}
	return RejectReasonInvalidTag
}
