package qcf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	QuantInfoVersion uint32 = 1

	quantInfoHeaderSize = 8
	quantRecordSize     = 32
)

// NoTensor marks an absent tensor reference in a QuantRecord.
const NoTensor = ^uint32(0)

// QuantDomain says what a record quantizes.
type QuantDomain uint8

const (
	DomainWeights     QuantDomain = 0
	DomainActivations QuantDomain = 1
)

func (d QuantDomain) String() string {
	switch d {
	case DomainWeights:
		return "weights"
	case DomainActivations:
		return "activations"
	}
	return fmt.Sprintf("QuantDomain(%d)", uint8(d))
}

// QuantMethod mirrors the quantization method of the exporter. Keep these
// stable forever; add new values only.
type QuantMethod uint8

const (
	MethodPowerOfTwo QuantMethod = iota
	MethodSymmetric
	MethodUniform
	MethodKMeans
	MethodLUTPowerOfTwo
	MethodLUTSymmetric
)

var methodNames = [...]string{
	MethodPowerOfTwo:    "power_of_two",
	MethodSymmetric:     "symmetric",
	MethodUniform:       "uniform",
	MethodKMeans:        "kmeans",
	MethodLUTPowerOfTwo: "lut_power_of_two",
	MethodLUTSymmetric:  "lut_symmetric",
}

func (m QuantMethod) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("QuantMethod(%d)", uint8(m))
}

// IsLUT reports whether codes index a lookup table.
func (m QuantMethod) IsLUT() bool {
	return m == MethodKMeans || m == MethodLUTPowerOfTwo || m == MethodLUTSymmetric
}

// Record flags.
const (
	FlagSigned     uint8 = 1 << 0
	FlagPerChannel uint8 = 1 << 1
)

// QuantRecord is the fixed-size description of one quantized weight or
// activation.
//
// Weights records reference the integer code tensor and a scale tensor with
// one step size per channel. Aux references the per-channel zero offsets of
// uniform records and the lookup table of LUT records; KMeans records have no
// scale. A weight is reconstructed as code*scale+zero, or lut[code]*scale.
// Activation records carry only the clipping range.
type QuantRecord struct {
	Node   uint32 // index into the graph section node list
	Tensor uint32
	Scale  uint32
	Aux    uint32

	Method QuantMethod
	Domain QuantDomain
	NBits  uint8
	Flags  uint8
	Axis   int32

	MinClip float32
	MaxClip float32
}

func (r QuantRecord) Signed() bool     { return r.Flags&FlagSigned != 0 }
func (r QuantRecord) PerChannel() bool { return r.Flags&FlagPerChannel != 0 }

// QuantInfo is a parsed QuantInfo section payload.
type QuantInfo struct {
	records []QuantRecord
}

var errBadQuantInfo = errors.New("qcf: corrupt quantinfo section")

// ParseQuantInfoSection validates and decodes a QuantInfo section payload.
func ParseQuantInfoSection(sec []byte) (*QuantInfo, error) {
	if len(sec) < quantInfoHeaderSize {
		return nil, ErrCorruptFile
	}
	if v := binary.LittleEndian.Uint32(sec[0:4]); v != QuantInfoVersion {
		return nil, ErrUnsupportedMinor
	}
	count := binary.LittleEndian.Uint32(sec[4:8])
	recBytes, ok := mulUint64(uint64(count), quantRecordSize)
	if !ok || uint64(quantInfoHeaderSize)+recBytes > uint64(len(sec)) {
		return nil, ErrCorruptFile
	}

	records := make([]QuantRecord, count)
	off := quantInfoHeaderSize
	for i := range records {
		b := sec[off : off+quantRecordSize]
		r := QuantRecord{
			Node:    binary.LittleEndian.Uint32(b[0:4]),
			Tensor:  binary.LittleEndian.Uint32(b[4:8]),
			Scale:   binary.LittleEndian.Uint32(b[8:12]),
			Aux:     binary.LittleEndian.Uint32(b[12:16]),
			Method:  QuantMethod(b[16]),
			Domain:  QuantDomain(b[17]),
			NBits:   b[18],
			Flags:   b[19],
			Axis:    int32(binary.LittleEndian.Uint32(b[20:24])),
			MinClip: math.Float32frombits(binary.LittleEndian.Uint32(b[24:28])),
			MaxClip: math.Float32frombits(binary.LittleEndian.Uint32(b[28:32])),
		}
		if err := validateQuantRecord(r); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptFile, i, err)
		}
		records[i] = r
		off += quantRecordSize
	}
	return &QuantInfo{records: records}, nil
}

func (qi *QuantInfo) Count() int {
	if qi == nil {
		return 0
	}
	return len(qi.records)
}

func (qi *QuantInfo) Record(i int) (QuantRecord, error) {
	if qi == nil || i < 0 || i >= len(qi.records) {
		return QuantRecord{}, ErrCorruptFile
	}
	return qi.records[i], nil
}

// Records returns the decoded records.
func (qi *QuantInfo) Records() []QuantRecord {
	if qi == nil {
		return nil
	}
	return qi.records
}

// EncodeQuantInfoSection builds a QuantInfo section payload (v1).
func EncodeQuantInfoSection(records []QuantRecord) ([]byte, error) {
	if uint64(len(records)) > uint64(^uint32(0)) {
		return nil, errors.New("qcf: too many quant records")
	}
	out := make([]byte, quantInfoHeaderSize+len(records)*quantRecordSize)
	binary.LittleEndian.PutUint32(out[0:4], QuantInfoVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(records)))

	off := quantInfoHeaderSize
	for _, r := range records {
		if err := validateQuantRecord(r); err != nil {
			return nil, err
		}
		b := out[off : off+quantRecordSize]
		binary.LittleEndian.PutUint32(b[0:4], r.Node)
		binary.LittleEndian.PutUint32(b[4:8], r.Tensor)
		binary.LittleEndian.PutUint32(b[8:12], r.Scale)
		binary.LittleEndian.PutUint32(b[12:16], r.Aux)
		b[16] = byte(r.Method)
		b[17] = byte(r.Domain)
		b[18] = r.NBits
		b[19] = r.Flags
		binary.LittleEndian.PutUint32(b[20:24], uint32(r.Axis))
		binary.LittleEndian.PutUint32(b[24:28], math.Float32bits(r.MinClip))
		binary.LittleEndian.PutUint32(b[28:32], math.Float32bits(r.MaxClip))
		off += quantRecordSize
	}
	return out, nil
}

func validateQuantRecord(r QuantRecord) error {
	if r.Method > MethodLUTSymmetric {
		return fmt.Errorf("%w: method %d", errBadQuantInfo, r.Method)
	}
	if r.NBits == 0 || r.NBits > 32 {
		return fmt.Errorf("%w: %d bits", errBadQuantInfo, r.NBits)
	}
	if r.Flags&^(FlagSigned|FlagPerChannel) != 0 {
		return fmt.Errorf("%w: flags %#x", errBadQuantInfo, r.Flags)
	}
	switch r.Domain {
	case DomainWeights:
		if r.Tensor == NoTensor {
			return fmt.Errorf("%w: weights record without tensor", errBadQuantInfo)
		}
		if r.Method != MethodKMeans && r.Scale == NoTensor {
			return fmt.Errorf("%w: weights record without scale", errBadQuantInfo)
		}
		if (r.Method == MethodUniform || r.Method.IsLUT()) && r.Aux == NoTensor {
			return fmt.Errorf("%w: %d record without aux tensor", errBadQuantInfo, r.Method)
		}
	case DomainActivations:
		if r.Tensor != NoTensor || r.Scale != NoTensor || r.Aux != NoTensor {
			return fmt.Errorf("%w: activation record references tensors", errBadQuantInfo)
		}
		if r.Method.IsLUT() {
			return fmt.Errorf("%w: activation record with lut method", errBadQuantInfo)
		}
	default:
		return fmt.Errorf("%w: domain %d", errBadQuantInfo, r.Domain)
	}
	if r.MinClip > r.MaxClip {
		return fmt.Errorf("%w: clip [%v, %v]", errBadQuantInfo, r.MinClip, r.MaxClip)
	}
	return nil
}
