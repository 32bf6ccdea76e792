package dtype

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BF16FromF32 rounds to the nearest bfloat16 (ties to even).
func BF16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F16FromF32 implements IEEE 754 binary16 rounding (nearest-even).
func F16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	sign := (u >> 31) & 0x1
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	if exp == 0xFF {
		if frac != 0 {
			return uint16((sign << 15) | 0x7C00 | (frac >> 13) | 1)
		}
		return uint16((sign << 15) | 0x7C00)
	}

	e := exp - 127
	if e > 15 {
		return uint16((sign << 15) | 0x7C00)
	}
	if e < -14 {
		if e < -25 {
			return uint16(sign << 15)
		}
		frac |= 0x800000
		shift := uint32(-1 - e)
		rnd := uint32(1<<(shift-1)) - 1 + ((frac >> shift) & 1)
		frac = (frac + rnd) >> shift
		return uint16((sign << 15) | frac)
	}

	exp16 := uint32(e + 15)
	rnd := uint32(0xFFF + ((frac >> 13) & 1))
	frac += rnd
	if frac&0x800000 != 0 {
		exp16++
		frac = 0
		if exp16 >= 0x1F {
			return uint16((sign << 15) | 0x7C00)
		}
	}
	return uint16((sign << 15) | (exp16 << 10) | (frac >> 13))
}

func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		f = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// BF8FromF32 produces the 1-5-2 format that shares its exponent with
// binary16: the value is rounded to half precision and then to the high byte.
func BF8FromF32(f float32) uint8 {
	h := F16FromF32(f)
	if h&0x7C00 == 0x7C00 {
		if h&0x3FF != 0 {
			return uint8(h>>8) | 0x02
		}
		return uint8(h >> 8)
	}
	rnd := uint16(0x7F + ((h >> 8) & 1))
	return uint8((uint32(h) + uint32(rnd)) >> 8)
}

func BF8ToF32(b uint8) float32 {
	return F16ToF32(uint16(b) << 8)
}

// Round returns v rounded to the precision of d.
func (d DType) Round(v float32) float32 {
	switch d {
	case BF16:
		return BF16ToF32(BF16FromF32(v))
	case F16:
		return F16ToF32(F16FromF32(v))
	case BF8:
		return BF8ToF32(BF8FromF32(v))
	}
	return v
}

// RoundSlice rounds every element of v in place.
func (d DType) RoundSlice(v []float32) {
	if d == F32 {
		return
	}
	for i := range v {
		v[i] = d.Round(v[i])
	}
}

// Encode appends the little-endian encoding of src to dst.
func (d DType) Encode(dst []byte, src []float32) []byte {
	switch d {
	case F32:
		for _, v := range src {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	case BF16:
		for _, v := range src {
			dst = binary.LittleEndian.AppendUint16(dst, BF16FromF32(v))
		}
	case F16:
		for _, v := range src {
			dst = binary.LittleEndian.AppendUint16(dst, F16FromF32(v))
		}
	case BF8:
		for _, v := range src {
			dst = append(dst, BF8FromF32(v))
		}
	}
	return dst
}

// Decode fills dst from the little-endian encoding in raw.
func (d DType) Decode(dst []float32, raw []byte) error {
	if d.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupported, d)
	}
	if len(raw) != len(dst)*d.Size() {
		return fmt.Errorf("dtype: decode %s: have %d bytes, want %d", d, len(raw), len(dst)*d.Size())
	}
	switch d {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case BF16:
		for i := range dst {
			dst[i] = BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case F16:
		for i := range dst {
			dst[i] = F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case BF8:
		for i := range dst {
			dst[i] = BF8ToF32(raw[i])
		}
	}
	return nil
}
