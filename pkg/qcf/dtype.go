package qcf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the tensor element encoding.
// Keep these stable forever; add new values only.
type DType uint32

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeF64
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
)

var dtypeNames = [...]string{
	DTypeUnknown: "unknown",
	DTypeF32:     "f32",
	DTypeF16:     "f16",
	DTypeF64:     "f64",
	DTypeI8:      "i8",
	DTypeU8:      "u8",
	DTypeI16:     "i16",
	DTypeU16:     "u16",
	DTypeI32:     "i32",
	DTypeU32:     "u32",
}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("DType(%d)", uint32(d))
}

// Valid reports whether d is a known, non-zero dtype.
func (d DType) Valid() bool {
	return d > DTypeUnknown && d <= DTypeU32
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeI8, DTypeU8:
		return 1
	case DTypeF16, DTypeI16, DTypeU16:
		return 2
	case DTypeF32, DTypeI32, DTypeU32:
		return 4
	case DTypeF64:
		return 8
	}
	return 0
}

// IsFloat reports whether d stores floating point values.
func (d DType) IsFloat() bool {
	return d == DTypeF16 || d == DTypeF32 || d == DTypeF64
}

// CodeDType returns the narrowest integer dtype holding nbits-wide codes.
func CodeDType(nbits int, signed bool) DType {
	switch {
	case nbits <= 8 && signed:
		return DTypeI8
	case nbits <= 8:
		return DTypeU8
	case nbits <= 16 && signed:
		return DTypeI16
	case nbits <= 16:
		return DTypeU16
	case signed:
		return DTypeI32
	}
	return DTypeU32
}

// Encode converts values to little-endian bytes of type d. Integer dtypes
// round to the nearest integer and reject values outside their range.
func Encode(d DType, vals []float64) ([]byte, error) {
	size := d.Size()
	if size == 0 {
		return nil, fmt.Errorf("qcf: encode %s", d)
	}
	out := make([]byte, len(vals)*size)
	for i, v := range vals {
		b := out[i*size : (i+1)*size]
		if !d.IsFloat() {
			v = math.Round(v)
			if lo, hi := d.intRange(); v < lo || v > hi || math.IsNaN(v) {
				return nil, fmt.Errorf("qcf: value %v out of %s range", vals[i], d)
			}
		}
		switch d {
		case DTypeF16:
			binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
		case DTypeF32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case DTypeF64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		case DTypeI8:
			b[0] = byte(int8(v))
		case DTypeU8:
			b[0] = byte(v)
		case DTypeI16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case DTypeU16:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case DTypeI32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case DTypeU32:
			binary.LittleEndian.PutUint32(b, uint32(v))
		}
	}
	return out, nil
}

// Decode converts little-endian bytes of type d to float64 values.
func Decode(d DType, data []byte) ([]float64, error) {
	size := d.Size()
	if size == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrCorruptFile, len(data), d)
	}
	out := make([]float64, len(data)/size)
	for i := range out {
		b := data[i*size : (i+1)*size]
		switch d {
		case DTypeF16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case DTypeF32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case DTypeF64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case DTypeI8:
			out[i] = float64(int8(b[0]))
		case DTypeU8:
			out[i] = float64(b[0])
		case DTypeI16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case DTypeU16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case DTypeI32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case DTypeU32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		}
	}
	return out, nil
}

func (d DType) intRange() (lo, hi float64) {
	switch d {
	case DTypeI8:
		return math.MinInt8, math.MaxInt8
	case DTypeU8:
		return 0, math.MaxUint8
	case DTypeI16:
		return math.MinInt16, math.MaxInt16
	case DTypeU16:
		return 0, math.MaxUint16
	case DTypeI32:
		return math.MinInt32, math.MaxInt32
	case DTypeU32:
		return 0, math.MaxUint32
	}
	return math.Inf(-1), math.Inf(1)
}
