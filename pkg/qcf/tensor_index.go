package qcf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 1

// MaxTensorRank bounds the inline shape of an index entry.
const MaxTensorRank = 4

// NoNode marks tensors that belong to no graph node.
const NoNode = ^uint32(0)

// Section layout: header | entries | names. Entries are sorted by name.
//
//	header  0 version u32 | 4 count u32 | 8 names offset u64 | 16 names size u64
//	entry   0 name offset u32 | 4 name length u16 | 6 role u8 | 7 dtype u8
//	        8 node u32 | 12 rank u32 | 16 dims 4×u32 | 32 data offset u64 | 40 data size u64
const (
	tensorIndexHeaderSize = 24
	tensorEntrySize       = 48
)

// TensorRole says how a node uses a stored tensor.
type TensorRole uint8

const (
	// RoleFloat is an unquantized weight.
	RoleFloat TensorRole = iota
	// RoleCodes holds the integer codes of a quantized weight.
	RoleCodes
	// RoleScale holds per-channel step sizes.
	RoleScale
	// RoleZero holds per-channel offsets of uniform weights.
	RoleZero
	// RoleLUT holds the lookup table of clustered weights.
	RoleLUT
)

var roleNames = [...]string{
	RoleFloat: "float",
	RoleCodes: "codes",
	RoleScale: "scale",
	RoleZero:  "zero",
	RoleLUT:   "lut",
}

func (r TensorRole) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("TensorRole(%d)", uint8(r))
}

func (r TensorRole) valid() bool { return r <= RoleLUT }

// TensorEntry is one fixed-size index entry.
type TensorEntry struct {
	NameOff uint32
	NameLen uint16
	Role    TensorRole
	DType   DType
	Node    uint32
	Rank    uint32
	Dims    [MaxTensorRank]uint32
	// DataOff is an absolute file offset.
	DataOff  uint64
	DataSize uint64
}

// Shape returns the tensor dimensions.
func (e TensorEntry) Shape() []int {
	out := make([]int, e.Rank)
	for i := range out {
		out[i] = int(e.Dims[i])
	}
	return out
}

// NumElements is the product of the dimensions.
func (e TensorEntry) NumElements() uint64 {
	n := uint64(1)
	for _, d := range e.Dims[:min(e.Rank, MaxTensorRank)] {
		n *= uint64(d)
	}
	return n
}

// TensorIndexRecord is the input to EncodeTensorIndexSection.
type TensorIndexRecord struct {
	Name  string
	Node  uint32
	Role  TensorRole
	DType DType
	Shape []int

	DataOff  uint64
	DataSize uint64
}

// TensorIndex is a parsed view over a tensor index section payload.
type TensorIndex struct {
	raw       []byte
	count     int
	namesOff  uint64
	namesSize uint64
}

var errBadTensorIndex = errors.New("qcf: corrupt tensor index")

// ParseTensorIndexSection validates every entry and returns a view over sec.
func ParseTensorIndexSection(sec []byte) (*TensorIndex, error) {
	if len(sec) < tensorIndexHeaderSize {
		return nil, fmt.Errorf("%w: short header", errBadTensorIndex)
	}
	le := binary.LittleEndian
	if v := le.Uint32(sec[0:4]); v != TensorIndexVersion {
		return nil, fmt.Errorf("%w: tensor index version %d", ErrUnsupportedMinor, v)
	}
	ti := &TensorIndex{
		raw:       sec,
		count:     int(le.Uint32(sec[4:8])),
		namesOff:  le.Uint64(sec[8:16]),
		namesSize: le.Uint64(sec[16:24]),
	}
	secLen := uint64(len(sec))
	entriesEnd, ok := addUint64(tensorIndexHeaderSize, uint64(ti.count)*tensorEntrySize)
	if !ok || entriesEnd > ti.namesOff {
		return nil, fmt.Errorf("%w: entries overlap names", errBadTensorIndex)
	}
	if namesEnd, ok := addUint64(ti.namesOff, ti.namesSize); !ok || namesEnd > secLen {
		return nil, fmt.Errorf("%w: names out of bounds", errBadTensorIndex)
	}

	var prev string
	for i := range ti.count {
		e := ti.entry(i)
		switch {
		case uint64(e.NameOff)+uint64(e.NameLen) > ti.namesSize || e.NameLen == 0:
			return nil, fmt.Errorf("%w: entry %d name", errBadTensorIndex, i)
		case !e.DType.Valid() || !e.Role.valid() || e.Rank > MaxTensorRank:
			return nil, fmt.Errorf("%w: entry %d type", errBadTensorIndex, i)
		case e.DataSize != e.NumElements()*uint64(e.DType.Size()):
			return nil, fmt.Errorf("%w: entry %d holds %d bytes for shape %v", errBadTensorIndex, i, e.DataSize, e.Shape())
		}
		name := string(ti.nameBytes(e))
		if i > 0 && name <= prev {
			return nil, fmt.Errorf("%w: names not strictly sorted at %q", errBadTensorIndex, name)
		}
		prev = name
	}
	return ti, nil
}

func (ti *TensorIndex) entry(i int) TensorEntry {
	b := ti.raw[tensorIndexHeaderSize+i*tensorEntrySize:][:tensorEntrySize]
	le := binary.LittleEndian
	e := TensorEntry{
		NameOff:  le.Uint32(b[0:4]),
		NameLen:  le.Uint16(b[4:6]),
		Role:     TensorRole(b[6]),
		DType:    DType(b[7]),
		Node:     le.Uint32(b[8:12]),
		Rank:     le.Uint32(b[12:16]),
		DataOff:  le.Uint64(b[32:40]),
		DataSize: le.Uint64(b[40:48]),
	}
	for d := range MaxTensorRank {
		e.Dims[d] = le.Uint32(b[16+4*d:])
	}
	return e
}

func (ti *TensorIndex) nameBytes(e TensorEntry) []byte {
	off := ti.namesOff + uint64(e.NameOff)
	return ti.raw[off : off+uint64(e.NameLen)]
}

func (ti *TensorIndex) Count() int { return ti.count }

func (ti *TensorIndex) Entry(i int) (TensorEntry, error) {
	if i < 0 || i >= ti.count {
		return TensorEntry{}, fmt.Errorf("%w: tensor %d of %d", ErrNotFound, i, ti.count)
	}
	return ti.entry(i), nil
}

// Name returns a copy of the name of entry i.
func (ti *TensorIndex) Name(i int) (string, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return "", err
	}
	return string(ti.nameBytes(e)), nil
}

// Find looks a tensor up by name.
func (ti *TensorIndex) Find(name string) (int, bool) {
	if ti == nil {
		return -1, false
	}
	idx := make([]int, ti.count)
	for i := range idx {
		idx[i] = i
	}
	i, ok := slices.BinarySearchFunc(idx, name, func(i int, name string) int {
		return strings.Compare(string(ti.nameBytes(ti.entry(i))), name)
	})
	if !ok {
		return -1, false
	}
	return i, true
}

// ForNode lists the entries owned by graph node node, in name order.
func (ti *TensorIndex) ForNode(node uint32) []int {
	var out []int
	for i := range ti.count {
		if ti.entry(i).Node == node {
			out = append(out, i)
		}
	}
	return out
}

// TensorData returns the payload bytes of entry i from f.
func (ti *TensorIndex) TensorData(f *File, i int) ([]byte, error) {
	if f == nil || f.Data == nil {
		return nil, ErrCorruptFile
	}
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	end, ok := addUint64(e.DataOff, e.DataSize)
	if !ok || end > uint64(len(f.Data)) {
		return nil, fmt.Errorf("%w: tensor %d data out of bounds", ErrCorruptFile, i)
	}
	return f.Data[e.DataOff:end], nil
}

// EncodeTensorIndexSection sorts records by name and encodes them.
func EncodeTensorIndexSection(records []TensorIndexRecord) ([]byte, error) {
	recs := slices.Clone(records)
	slices.SortFunc(recs, func(a, b TensorIndexRecord) int { return strings.Compare(a.Name, b.Name) })

	le := binary.LittleEndian
	namesOff := uint64(tensorIndexHeaderSize + len(recs)*tensorEntrySize)
	out := make([]byte, 0, namesOff)
	out = le.AppendUint32(out, TensorIndexVersion)
	out = le.AppendUint32(out, uint32(len(recs)))
	out = le.AppendUint64(out, namesOff)
	out = le.AppendUint64(out, 0) // patched below

	var names []byte
	for i, r := range recs {
		switch {
		case r.Name == "" || len(r.Name) > math.MaxUint16:
			return nil, fmt.Errorf("qcf: tensor name length %d", len(r.Name))
		case i > 0 && recs[i-1].Name == r.Name:
			return nil, fmt.Errorf("qcf: duplicate tensor name %s", r.Name)
		case !r.DType.Valid() || r.DType > math.MaxUint8:
			return nil, fmt.Errorf("qcf: tensor %s: invalid dtype %v", r.Name, r.DType)
		case !r.Role.valid():
			return nil, fmt.Errorf("qcf: tensor %s: invalid role %v", r.Name, r.Role)
		case len(r.Shape) > MaxTensorRank:
			return nil, fmt.Errorf("qcf: tensor %s: rank %d exceeds %d", r.Name, len(r.Shape), MaxTensorRank)
		}
		e := TensorEntry{
			NameOff: uint32(len(names)), NameLen: uint16(len(r.Name)),
			Role: r.Role, DType: r.DType, Node: r.Node, Rank: uint32(len(r.Shape)),
			DataOff: r.DataOff, DataSize: r.DataSize,
		}
		for d, n := range r.Shape {
			if n < 0 || uint64(n) > math.MaxUint32 {
				return nil, fmt.Errorf("qcf: tensor %s: dimension %d", r.Name, n)
			}
			e.Dims[d] = uint32(n)
		}
		if want := e.NumElements() * uint64(e.DType.Size()); e.DataSize != want {
			return nil, fmt.Errorf("qcf: tensor %s: %d bytes, shape %v needs %d", r.Name, e.DataSize, r.Shape, want)
		}

		out = le.AppendUint32(out, e.NameOff)
		out = le.AppendUint16(out, e.NameLen)
		out = append(out, byte(e.Role), byte(e.DType))
		out = le.AppendUint32(out, e.Node)
		out = le.AppendUint32(out, e.Rank)
		for _, d := range e.Dims {
			out = le.AppendUint32(out, d)
		}
		out = le.AppendUint64(out, e.DataOff)
		out = le.AppendUint64(out, e.DataSize)
		names = append(names, r.Name...)
	}
	le.PutUint64(out[16:24], uint64(len(names)))
	return append(out, names...), nil
}
