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

// Sentinel errors
var (
	ErrTimeout          = errors.New("bacnet: request timeout")
	ErrConnectionClosed = errors.New("bacnet: connection closed")
	ErrInvalidResponse  = errors.New("bacnet: invalid response")
	ErrInvalidAPDU      = errors.New("bacnet: invalid APDU")
	ErrInvalidNPDU      = errors.New("bacnet: invalid NPDU")
	ErrInvalidBVLC      = errors.New("bacnet: invalid BVLC header")
	ErrDeviceNotFound   = errors.New("bacnet: device not found")
	ErrNotConnected     = errors.New("bacnet: not connected")
	ErrAlreadyConnected = errors.New("bacnet: already connected")

	ErrServerClosed     = errors.New("bacnet: server closed")
	ErrObjectExists     = errors.New("bacnet: object already registered")
	ErrUnknownObject    = errors.New("bacnet: unknown object")
	ErrInvalidObject    = errors.New("bacnet: invalid object")
	ErrUnsupportedValue = errors.New("bacnet: unsupported value type")
)

// ErrorClass represents BACnet error classes
type ErrorClass uint8

const (
	ErrorClassDevice    ErrorClass = 0
	ErrorClassObject    ErrorClass = 1
	ErrorClassProperty  ErrorClass = 2
	ErrorClassResources ErrorClass = 3
	ErrorClassSecurity  ErrorClass = 4
	ErrorClassServices  ErrorClass = 5
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:    "device",
		ErrorClassObject:    "object",
		ErrorClassProperty:  "property",
		ErrorClassResources: "resources",
		ErrorClassSecurity:  "security",
		ErrorClassServices:  "services",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", e)
}

// ErrorCode represents BACnet error codes
type ErrorCode uint8

const (
	ErrorCodeOther                         ErrorCode = 0
	ErrorCodeDeviceBusy                    ErrorCode = 3
	ErrorCodeInvalidDataType               ErrorCode = 9
	ErrorCodeObjectIdentifierAlreadyExists ErrorCode = 24
	ErrorCodeUnknownObject                 ErrorCode = 31
	ErrorCodeUnknownProperty               ErrorCode = 32
	ErrorCodeValueOutOfRange               ErrorCode = 37
	ErrorCodeWriteAccessDenied             ErrorCode = 40
	ErrorCodeInvalidArrayIndex             ErrorCode = 42
	ErrorCodePropertyIsNotAnArray          ErrorCode = 50
	ErrorCodeDatatypeNotSupported          ErrorCode = 47
	ErrorCodeReadAccessDenied              ErrorCode = 27
	ErrorCodeUnknownDevice                 ErrorCode = 70
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                         "other",
		ErrorCodeDeviceBusy:                    "device-busy",
		ErrorCodeInvalidDataType:               "invalid-data-type",
		ErrorCodeObjectIdentifierAlreadyExists: "object-identifier-already-exists",
		ErrorCodeUnknownObject:                 "unknown-object",
		ErrorCodeUnknownProperty:               "unknown-property",
		ErrorCodeValueOutOfRange:               "value-out-of-range",
		ErrorCodeWriteAccessDenied:             "write-access-denied",
		ErrorCodeInvalidArrayIndex:             "invalid-array-index",
		ErrorCodePropertyIsNotAnArray:          "property-is-not-an-array",
		ErrorCodeDatatypeNotSupported:          "datatype-not-supported",
		ErrorCodeReadAccessDenied:              "read-access-denied",
		ErrorCodeUnknownDevice:                 "unknown-device",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", e)
}

// BACnetError represents a BACnet protocol error. The server turns a
// *BACnetError returned by a handler into an Error-PDU as is.
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *BACnetError) Is(target error) bool {
	t, ok := target.(*BACnetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBACnetError creates a new BACnet error
func NewBACnetError(class ErrorClass, code ErrorCode) *BACnetError {
	return &BACnetError{
		Class: class,
		Code:  code,
	}
}

// Errors the server answers with most often.
var (
	errUnknownObject   = NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	errUnknownProperty = NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	errWriteDenied     = NewBACnetError(ErrorClassProperty, ErrorCodeWriteAccessDenied)
	errNotAnArray      = NewBACnetError(ErrorClassProperty, ErrorCodePropertyIsNotAnArray)
	errBadArrayIndex   = NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)
	errInvalidDataType = NewBACnetError(ErrorClassProperty, ErrorCodeInvalidDataType)
)

// RejectReason represents BACnet reject reasons
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", r)
}

// RejectError represents a BACnet reject response
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons
type AbortReason uint8

const (
	AbortReasonOther                    AbortReason = 0
	AbortReasonBufferOverflow           AbortReason = 1
	AbortReasonSegmentationNotSupported AbortReason = 4
	AbortReasonOutOfResources           AbortReason = 9
	AbortReasonApduTooLong              AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                    "other",
		AbortReasonBufferOverflow:           "buffer-overflow",
		AbortReasonSegmentationNotSupported: "segmentation-not-supported",
		AbortReasonOutOfResources:           "out-of-resources",
		AbortReasonApduTooLong:              "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", a)
}

// AbortError represents a BACnet abort response
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnknownObject reports whether err means the object does not exist,
// locally or on a remote device.
func IsUnknownObject(err error) bool {
	if errors.Is(err, ErrUnknownObject) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownObject
	}
	return false
}

// IsAccessDenied returns true if the error indicates access denied
func IsAccessDenied(err error) bool {
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeReadAccessDenied || bacnetErr.Code == ErrorCodeWriteAccessDenied
	}
	return false
}
