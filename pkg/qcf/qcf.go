// Package qcf implements the Quantized Container File format.
//
// QCF is a single-file, memory-mappable container for a quantized model: the
// graph structure, the tensor payloads (integer codes, quantization scales and
// float tensors) and one quantization record per quantized weight or
// activation. It describes structure and data only and never implies runtime
// behaviour.
package qcf

// QCF global constants must never change.
const (
	// MagicQCF is the file magic for all QCF containers.
	// It is encoded as "QCF\0".
	MagicQCF = "QCF\x00"

	// Current Major Version: Any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// Current Minor Version: Versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks files whose tensor payloads start on
	// 64-byte boundaries.
	FlagTensorDataAligned64 uint64 = 1 << 0
	// FlagHasMetadata marks files carrying a metadata section.
	FlagHasMetadata uint64 = 1 << 1
)

type SectionType uint32

const (
	SectionGraph       SectionType = 0x0001
	SectionQuantInfo   SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
	SectionMetadata    SectionType = 0x0005
)

func (t SectionType) String() string {
	switch t {
	case SectionGraph:
		return "graph"
	case SectionQuantInfo:
		return "quant_info"
	case SectionTensorIndex:
		return "tensor_index"
	case SectionTensorData:
		return "tensor_data"
	case SectionMetadata:
		return "metadata"
	}
	return "unknown"
}

const (
	headerSize  = 40
	sectionSize = 24
	align       = 8
)

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}
