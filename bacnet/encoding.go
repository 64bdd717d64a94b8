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
	"math"
)

// EncodeTag encodes a BACnet tag
func EncodeTag(tagNum uint8, class TagClass, length int) []byte {
	if length < 5 && tagNum < 15 {
		return []byte{(tagNum << 4) | (uint8(class) << 3) | uint8(length)}
	}

	buf := make([]byte, 0, 7)

	lvt := uint8(length)
	if length >= 5 {
		lvt = 0x05
	}
	if tagNum >= 15 {
		buf = append(buf, 0xF0|(uint8(class)<<3)|lvt, tagNum)
	} else {
		buf = append(buf, (tagNum<<4)|(uint8(class)<<3)|lvt)
	}

	switch {
	case length < 5:
	case length < 254:
		buf = append(buf, byte(length))
	case length < 65536:
		buf = append(buf, 254, byte(length>>8), byte(length))
	default:
		buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}

	return buf
}

// EncodeContextTag encodes a context-specific tag followed by its data
func EncodeContextTag(tagNum uint8, data []byte) []byte {
	return append(EncodeTag(tagNum, TagClassContext, len(data)), data...)
}

func encodeApplication(tag ApplicationTag, data []byte) []byte {
	return append(EncodeTag(uint8(tag), TagClassApplication, len(data)), data...)
}

// EncodeOpeningTag encodes an opening tag for constructed data
func EncodeOpeningTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{(tagNum << 4) | 0x0E}
	}
	return []byte{0xFE, tagNum}
}

// EncodeClosingTag encodes a closing tag for constructed data
func EncodeClosingTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{(tagNum << 4) | 0x0F}
	}
	return []byte{0xFF, tagNum}
}

// EncodeUnsigned encodes an unsigned integer in the fewest octets
func EncodeUnsigned(value uint32) []byte {
	switch {
	case value < 0x100:
		return []byte{byte(value)}
	case value < 0x10000:
		return []byte{byte(value >> 8), byte(value)}
	case value < 0x1000000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	}
	return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
}

// EncodeUnsignedTag encodes an unsigned integer with application tag
func EncodeUnsignedTag(value uint32) []byte {
	return encodeApplication(TagUnsignedInt, EncodeUnsigned(value))
}

// EncodeContextUnsigned encodes an unsigned integer with context tag
func EncodeContextUnsigned(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeSigned encodes a signed integer in the fewest octets
func EncodeSigned(value int32) []byte {
	switch {
	case value >= -128 && value < 128:
		return []byte{byte(value)}
	case value >= -32768 && value < 32768:
		return []byte{byte(value >> 8), byte(value)}
	case value >= -8388608 && value < 8388608:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	}
	return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
}

// EncodeSignedTag encodes a signed integer with application tag
func EncodeSignedTag(value int32) []byte {
	return encodeApplication(TagSignedInt, EncodeSigned(value))
}

// EncodeReal encodes a float32
func EncodeReal(value float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(value))
	return buf
}

// EncodeRealTag encodes a float32 with application tag
func EncodeRealTag(value float32) []byte {
	return encodeApplication(TagReal, EncodeReal(value))
}

// EncodeDouble encodes a float64
func EncodeDouble(value float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	return buf
}

// EncodeDoubleTag encodes a float64 with application tag
func EncodeDoubleTag(value float64) []byte {
	return encodeApplication(TagDouble, EncodeDouble(value))
}

// EncodeNullTag encodes an application NULL
func EncodeNullTag() []byte {
	return []byte{0x00}
}

// EncodeBooleanTag encodes a boolean with application tag. The value lives in
// the length bits and no content octet follows.
func EncodeBooleanTag(value bool) []byte {
	if value {
		return []byte{0x11}
	}
	return []byte{0x10}
}

// EncodeContextBoolean encodes a boolean with context tag
func EncodeContextBoolean(tagNum uint8, value bool) []byte {
	v := byte(0)
	if value {
		v = 1
	}
	return EncodeContextTag(tagNum, []byte{v})
}

// EncodeEnumeratedTag encodes an enumerated value with application tag
func EncodeEnumeratedTag(value uint32) []byte {
	return encodeApplication(TagEnumerated, EncodeUnsigned(value))
}

// EncodeContextEnumerated encodes an enumerated value with context tag
func EncodeContextEnumerated(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeBitStringTag encodes a bit string of n bits packed MSB first.
func EncodeBitStringTag(bits []byte, n int) []byte {
	unused := (8 - n%8) % 8
	data := append([]byte{byte(unused)}, bits...)
	return encodeApplication(TagBitString, data)
}

// EncodeObjectIdentifier encodes an object identifier
func EncodeObjectIdentifier(oid ObjectIdentifier) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, oid.Encode())
	return buf
}

// EncodeObjectIdentifierTag encodes an object identifier with application tag
func EncodeObjectIdentifierTag(oid ObjectIdentifier) []byte {
	return encodeApplication(TagObjectID, EncodeObjectIdentifier(oid))
}

// EncodeContextObjectIdentifier encodes an object identifier with context tag
func EncodeContextObjectIdentifier(tagNum uint8, oid ObjectIdentifier) []byte {
	return EncodeContextTag(tagNum, EncodeObjectIdentifier(oid))
}

// EncodeCharacterString encodes a character string with the UTF-8 character set
func EncodeCharacterString(s string) []byte {
	data := make([]byte, 1+len(s))
	copy(data[1:], s)
	return data
}

// EncodeCharacterStringTag encodes a character string with application tag
func EncodeCharacterStringTag(s string) []byte {
	return encodeApplication(TagCharacterString, EncodeCharacterString(s))
}

// DecodeTagNumber decodes a tag header. Opening tags report a length of -1 and
// closing tags -2. For application booleans the length is the value itself.
func DecodeTagNumber(data []byte) (tagNum uint8, class TagClass, length int, headerLen int, err error) {
	if len(data) < 1 {
		return 0, 0, 0, 0, ErrInvalidAPDU
	}

	tagNum = (data[0] >> 4) & 0x0F
	class = TagClass((data[0] >> 3) & 0x01)
	lvt := data[0] & 0x07
	length = int(lvt)
	headerLen = 1

	if tagNum == 0x0F {
		if len(data) < 2 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		tagNum = data[1]
		headerLen = 2
	}

	if class == TagClassContext && lvt == 0x06 {
		return tagNum, class, -1, headerLen, nil
	}
	if class == TagClassContext && lvt == 0x07 {
		return tagNum, class, -2, headerLen, nil
	}

	if lvt == 5 {
		if len(data) < headerLen+1 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		switch ext := data[headerLen]; {
		case ext < 254:
			length = int(ext)
			headerLen++
		case ext == 254:
			if len(data) < headerLen+3 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint16(data[headerLen+1:]))
			headerLen += 3
		default:
			if len(data) < headerLen+5 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint32(data[headerLen+1:]))
			headerLen += 5
		}
	}

	return tagNum, class, length, headerLen, nil
}

// DecodeUnsigned decodes an unsigned integer from data
func DecodeUnsigned(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(data))
	case 3:
		return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	case 4:
		return binary.BigEndian.Uint32(data)
	default:
		return 0
	}
}

// DecodeSigned decodes a signed integer from data
func DecodeSigned(data []byte) int32 {
	switch len(data) {
	case 1:
		return int32(int8(data[0]))
	case 2:
		return int32(int16(binary.BigEndian.Uint16(data)))
	case 3:
		v := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
		if data[0]&0x80 != 0 {
			v |= 0xFF000000
		}
		return int32(v)
	case 4:
		return int32(binary.BigEndian.Uint32(data))
	default:
		return 0
	}
}

// DecodeReal decodes a float32 from data
func DecodeReal(data []byte) float32 {
	if len(data) != 4 {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data))
}

// DecodeDouble decodes a float64 from data
func DecodeDouble(data []byte) float64 {
	if len(data) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data))
}

// DecodeCharacterString decodes a character string, dropping the character set octet
func DecodeCharacterString(data []byte) string {
	if len(data) < 1 {
		return ""
	}
	return string(data[1:])
}

// DecodeObjectIdentifierFromBytes decodes an object identifier from bytes
func DecodeObjectIdentifierFromBytes(data []byte) ObjectIdentifier {
	if len(data) != 4 {
		return ObjectIdentifier{}
	}
	return DecodeObjectIdentifier(binary.BigEndian.Uint32(data))
}

// Enumerated is an application-tagged ENUMERATED value.
type Enumerated uint32

// BitString is an application-tagged BIT STRING value.
type BitString struct {
	Bits []byte
	Len  int
}

// Bit reports bit i, counting from the most significant bit of the first octet.
func (b BitString) Bit(i int) bool {
	if i < 0 || i >= b.Len || i/8 >= len(b.Bits) {
		return false
	}
	return b.Bits[i/8]&(0x80>>(i%8)) != 0
}

// EncodeApplicationValue encodes a Go value as one application-tagged element.
func EncodeApplicationValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return EncodeNullTag(), nil
	case bool:
		return EncodeBooleanTag(v), nil
	case int:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		return EncodeSignedTag(int32(v)), nil
	case int32:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		return EncodeSignedTag(v), nil
	case uint8:
		return EncodeUnsignedTag(uint32(v)), nil
	case uint16:
		return EncodeUnsignedTag(uint32(v)), nil
	case uint32:
		return EncodeUnsignedTag(v), nil
	case float32:
		return EncodeRealTag(v), nil
	case float64:
		return EncodeDoubleTag(v), nil
	case string:
		return EncodeCharacterStringTag(v), nil
	case []byte:
		return encodeApplication(TagOctetString, v), nil
	case Enumerated:
		return EncodeEnumeratedTag(uint32(v)), nil
	case BitString:
		return EncodeBitStringTag(v.Bits, v.Len), nil
	case StatusFlags:
		return EncodeBitStringTag([]byte{v.Bits()}, 4), nil
	case ObjectIdentifier:
		return EncodeObjectIdentifierTag(v), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

// DecodeApplicationValue decodes one application-tagged element and returns the
// value together with the number of octets consumed.
func DecodeApplicationValue(data []byte) (any, int, error) {
	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return nil, 0, err
	}
	if class != TagClassApplication {
		return nil, 0, fmt.Errorf("%w: context tag %d where application tag expected", ErrInvalidAPDU, tagNum)
	}

	if ApplicationTag(tagNum) == TagBoolean {
		return length == 1, headerLen, nil
	}

	end := headerLen + length
	if length < 0 || end > len(data) {
		return nil, 0, fmt.Errorf("%w: tag %d overruns buffer", ErrInvalidAPDU, tagNum)
	}
	raw := data[headerLen:end]

	switch ApplicationTag(tagNum) {
	case TagNull:
		return nil, end, nil
	case TagUnsignedInt:
		return DecodeUnsigned(raw), end, nil
	case TagSignedInt:
		return DecodeSigned(raw), end, nil
	case TagReal:
		if length != 4 {
			return nil, 0, fmt.Errorf("%w: REAL of %d octets", ErrInvalidAPDU, length)
		}
		return DecodeReal(raw), end, nil
	case TagDouble:
		if length != 8 {
			return nil, 0, fmt.Errorf("%w: DOUBLE of %d octets", ErrInvalidAPDU, length)
		}
		return DecodeDouble(raw), end, nil
	case TagOctetString:
		return append([]byte(nil), raw...), end, nil
	case TagCharacterString:
		return DecodeCharacterString(raw), end, nil
	case TagBitString:
		if length < 1 {
			return nil, 0, fmt.Errorf("%w: empty BIT STRING", ErrInvalidAPDU)
		}
		return BitString{Bits: append([]byte(nil), raw[1:]...), Len: (length-1)*8 - int(raw[0])}, end, nil
	case TagEnumerated:
		return Enumerated(DecodeUnsigned(raw)), end, nil
	case TagObjectID:
		if length != 4 {
			return nil, 0, fmt.Errorf("%w: object identifier of %d octets", ErrInvalidAPDU, length)
		}
		return DecodeObjectIdentifierFromBytes(raw), end, nil
	default:
		// Date and time are kept opaque.
		return append([]byte(nil), raw...), end, nil
	}
}

// skipElement returns the length of the element at the start of data,
// including any constructed content between an opening and closing tag.
func skipElement(data []byte) (int, error) {
	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return 0, err
	}
	switch {
	case length == -2:
		return 0, fmt.Errorf("%w: unexpected closing tag %d", ErrInvalidAPDU, tagNum)
	case length == -1:
		offset := headerLen
		for {
			if offset >= len(data) {
				return 0, fmt.Errorf("%w: unterminated constructed tag %d", ErrInvalidAPDU, tagNum)
			}
			t, _, l, h, err := DecodeTagNumber(data[offset:])
			if err != nil {
				return 0, err
			}
			if l == -2 && t == tagNum {
				return offset + h, nil
			}
			n, err := skipElement(data[offset:])
			if err != nil {
				return 0, err
			}
			offset += n
		}
	case class == TagClassApplication && ApplicationTag(tagNum) == TagBoolean:
		return headerLen, nil
	}
	if headerLen+length > len(data) {
		return 0, fmt.Errorf("%w: tag %d overruns buffer", ErrInvalidAPDU, tagNum)
	}
	return headerLen + length, nil
}
