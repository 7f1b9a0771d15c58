package qcf

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTestFile(t *testing.T, sections map[SectionType][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.qcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for typ, data := range sections {
		if err := w.WriteSection(typ, 1, data); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	return path
}

func TestOpenRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, map[SectionType][]byte{
		SectionMetadata:   []byte(`{"tool":"ptq"}`),
		SectionTensorData: {1, 2, 3, 4, 5, 6},
	})

	qf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := qf.Close(); cerr != nil {
			t.Fatalf("close: %v", cerr)
		}
	}()

	if qf.Header.HeaderSize != headerSize || qf.Header.SectionCount != 2 {
		t.Fatalf("header = %+v", *qf.Header)
	}
	if qf.Sections[0].Type != uint32(SectionTensorData) {
		t.Fatalf("directory not sorted by type: %+v", qf.Sections)
	}
	got, err := qf.Payload(SectionMetadata)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(`{"tool":"ptq"}`)) {
		t.Fatalf("metadata mismatch: %q", got)
	}
	if _, err := qf.Payload(SectionGraph); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing section error = %v", err)
	}
}

func TestOpenReaderAtDoesNotMap(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, map[SectionType][]byte{SectionGraph: []byte("g")})
	rf, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rf.Close() }()
	st, err := rf.Stat()
	if err != nil {
		t.Fatal(err)
	}
	qf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() { _ = qf.Close() }()
	if qf.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	for _, s := range qf.Sections {
		if s.Offset%align != 0 {
			t.Fatalf("section offset %d not aligned", s.Offset)
		}
	}
}

func TestParseRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, map[SectionType][]byte{SectionGraph: []byte("graph")})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	badMagic := bytes.Clone(data)
	badMagic[0] = 'X'
	if _, err := parseFileData(badMagic, false); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("bad magic error = %v", err)
	}

	badMajor := bytes.Clone(data)
	badMajor[4] = 9
	if _, err := parseFileData(badMajor, false); !errors.Is(err, ErrUnsupportedMajor) {
		t.Fatalf("bad major error = %v", err)
	}

	if _, err := parseFileData(data[:len(data)-1], false); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated error = %v", err)
	}
}

func TestWriterRejectsMisuse(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "x.qcf"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	w, err := NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionGraph, 1, nil); !errors.Is(err, errSectionOpen) {
		t.Fatalf("write during open section = %v", err)
	}
	if err := sw.Align(64); err != nil {
		t.Fatal(err)
	}
	off, err := sw.CurrentAbsOffset()
	if err != nil {
		t.Fatal(err)
	}
	if off%64 != 0 {
		t.Fatalf("offset %d not 64-byte aligned", off)
	}
	if err := sw.End(); err != nil {
		t.Fatal(err)
	}
	if _, err := sw.Write([]byte{1}); !errors.Is(err, errSectionEnded) {
		t.Fatalf("write after end = %v", err)
	}
	if err := w.WriteSection(SectionTensorData, 1, nil); !errors.Is(err, errDuplicate) {
		t.Fatalf("duplicate section = %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalise(); !errors.Is(err, errWriterClosed) {
		t.Fatalf("second finalise = %v", err)
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:            [4]byte{'Q', 'C', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [headerSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decoded, ok := decodeHeader(hdrRaw[:])
	if !ok || decoded != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decoded, h)
	}

	s := Section{Type: 0x11223344, Version: 0x55667788, Offset: 0x0102030405060708, Size: 0x1112131415161718}
	var secRaw [sectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	if ds, ok := decodeSection(secRaw[:]); !ok || ds != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", ds, s)
	}
}

func TestTensorIndexRoundTrip(t *testing.T) {
	t.Parallel()

	recs := []TensorIndexRecord{
		{Name: "fc/kernel", Node: 1, Role: RoleCodes, DType: DTypeI8, Shape: []int{4, 2}, DataOff: 64, DataSize: 8},
		{Name: "fc/bias", Node: 1, Role: RoleFloat, DType: DTypeF16, Shape: []int{2}, DataOff: 128, DataSize: 4},
		{Name: "fc/kernel.scale", Node: 1, Role: RoleScale, DType: DTypeF32, Shape: []int{2}, DataOff: 192, DataSize: 8},
		{Name: "out/bias", Node: 3, Role: RoleFloat, DType: DTypeF32, Shape: []int{1}, DataOff: 256, DataSize: 4},
	}
	sec, err := EncodeTensorIndexSection(recs)
	if err != nil {
		t.Fatal(err)
	}
	ti, err := ParseTensorIndexSection(sec)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for i := range ti.Count() {
		n, err := ti.Name(i)
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, n)
	}
	if diff := cmp.Diff([]string{"fc/bias", "fc/kernel", "fc/kernel.scale", "out/bias"}, names); diff != "" {
		t.Fatalf("names not sorted (-want +got):\n%s", diff)
	}

	i, ok := ti.Find("fc/kernel")
	if !ok {
		t.Fatal("fc/kernel not found")
	}
	e, err := ti.Entry(i)
	if err != nil {
		t.Fatal(err)
	}
	if e.Role != RoleCodes || e.DType != DTypeI8 || e.DataOff != 64 || e.NumElements() != 8 {
		t.Fatalf("entry = %+v", e)
	}
	if diff := cmp.Diff([]int{4, 2}, e.Shape()); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if _, ok := ti.Find("fc/missing"); ok {
		t.Fatal("found a missing tensor")
	}
	if diff := cmp.Diff([]int{0, 1, 2}, ti.ForNode(1)); diff != "" {
		t.Fatalf("node 1 tensors (-want +got):\n%s", diff)
	}
	if got := ti.ForNode(3); len(got) != 1 || got[0] != 3 {
		t.Fatalf("node 3 tensors = %v", got)
	}
}

func TestTensorIndexRejects(t *testing.T) {
	t.Parallel()

	ok := TensorIndexRecord{Name: "a", Role: RoleFloat, DType: DTypeF32, Shape: []int{2}, DataSize: 8}
	tests := []struct {
		name string
		recs []TensorIndexRecord
	}{
		{"empty name", []TensorIndexRecord{{DType: DTypeF32, DataSize: 4}}},
		{"duplicate", []TensorIndexRecord{ok, ok}},
		{"size mismatch", []TensorIndexRecord{{Name: "a", DType: DTypeF32, Shape: []int{2}, DataSize: 4}}},
		{"rank", []TensorIndexRecord{{Name: "a", DType: DTypeI8, Shape: []int{1, 1, 1, 1, 1}, DataSize: 1}}},
		{"role", []TensorIndexRecord{{Name: "a", Role: RoleLUT + 1, DType: DTypeF32, DataSize: 4}}},
		{"dtype", []TensorIndexRecord{{Name: "a", DType: DTypeUnknown}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeTensorIndexSection(tt.recs); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	sec, err := EncodeTensorIndexSection([]TensorIndexRecord{ok})
	if err != nil {
		t.Fatal(err)
	}
	sec[tensorIndexHeaderSize+40] = 9 // data size
	if _, err := ParseTensorIndexSection(sec); err == nil {
		t.Fatal("parse accepted a size that does not match the shape")
	}
	if _, err := ParseTensorIndexSection(sec[:tensorIndexHeaderSize-1]); err == nil {
		t.Fatal("parse accepted a short header")
	}
}

func TestQuantInfoRoundTrip(t *testing.T) {
	t.Parallel()

	recs := []QuantRecord{
		{Node: 1, Tensor: 0, Scale: 1, Aux: NoTensor, Method: MethodSymmetric, Domain: DomainWeights,
			NBits: 8, Flags: FlagSigned | FlagPerChannel, Axis: 1, MinClip: -2, MaxClip: 1.984375},
		{Node: 2, Tensor: 3, Scale: 4, Aux: 5, Method: MethodUniform, Domain: DomainWeights,
			NBits: 4, Axis: -1, MinClip: -0.5, MaxClip: 1},
		{Node: 2, Tensor: NoTensor, Scale: NoTensor, Aux: NoTensor, Method: MethodPowerOfTwo,
			Domain: DomainActivations, NBits: 8, Axis: -1, MinClip: 0, MaxClip: 4},
	}
	sec, err := EncodeQuantInfoSection(recs)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec) != quantInfoHeaderSize+3*quantRecordSize {
		t.Fatalf("payload size = %d", len(sec))
	}
	qi, err := ParseQuantInfoSection(sec)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(recs, qi.Records()); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
	if !recs[0].Signed() || !recs[0].PerChannel() || recs[1].Signed() {
		t.Fatal("flag accessors")
	}
}

func TestQuantInfoValidation(t *testing.T) {
	t.Parallel()

	base := QuantRecord{Tensor: 0, Scale: 1, Aux: NoTensor, Method: MethodSymmetric, NBits: 8, Axis: -1}
	tests := []struct {
		name string
		mut  func(*QuantRecord)
	}{
		{"zero bits", func(r *QuantRecord) { r.NBits = 0 }},
		{"unknown method", func(r *QuantRecord) { r.Method = 42 }},
		{"unknown flag", func(r *QuantRecord) { r.Flags = 1 << 5 }},
		{"weights without tensor", func(r *QuantRecord) { r.Tensor = NoTensor }},
		{"uniform without zero", func(r *QuantRecord) { r.Method = MethodUniform }},
		{"activation with tensor", func(r *QuantRecord) { r.Domain = DomainActivations }},
		{"inverted clip", func(r *QuantRecord) { r.MinClip, r.MaxClip = 1, -1 }},
		{"bad domain", func(r *QuantRecord) { r.Domain = 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := base
			tt.mut(&r)
			if _, err := EncodeQuantInfoSection([]QuantRecord{r}); !errors.Is(err, errBadQuantInfo) {
				t.Fatalf("error = %v, want errBadQuantInfo", err)
			}
		})
	}
	if _, err := EncodeQuantInfoSection([]QuantRecord{base}); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	vals := []float64{-1.5, 0, 0.25, 3}
	for _, d := range []DType{DTypeF16, DTypeF32, DTypeF64} {
		b, err := Encode(d, vals)
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if len(b) != len(vals)*d.Size() {
			t.Fatalf("%s: %d bytes", d, len(b))
		}
		got, err := Decode(d, b)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(vals, got); diff != "" {
			t.Fatalf("%s round trip:\n%s", d, diff)
		}
	}

	codes := []float64{-128, -1, 0, 127}
	b, err := Encode(DTypeI8, codes)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(DTypeI8, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(codes, got); diff != "" {
		t.Fatalf("i8 round trip:\n%s", diff)
	}
	if _, err := Encode(DTypeU8, []float64{256}); err == nil {
		t.Fatal("u8 overflow accepted")
	}
	if _, err := Encode(DTypeI16, []float64{math.NaN()}); err == nil {
		t.Fatal("NaN code accepted")
	}

	// f16 keeps 11 significant bits.
	h, _ := Encode(DTypeF16, []float64{1.0 / 3})
	third, _ := Decode(DTypeF16, h)
	if math.Abs(third[0]-1.0/3) > 1e-3 {
		t.Fatalf("f16(1/3) = %v", third[0])
	}
}

func TestCodeDType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bits   int
		signed bool
		want   DType
	}{
		{2, true, DTypeI8},
		{8, false, DTypeU8},
		{9, true, DTypeI16},
		{16, false, DTypeU16},
		{17, true, DTypeI32},
		{32, false, DTypeU32},
	}
	for _, tt := range tests {
		if got := CodeDType(tt.bits, tt.signed); got != tt.want {
			t.Errorf("CodeDType(%d, %v) = %s, want %s", tt.bits, tt.signed, got, tt.want)
		}
	}
}

func TestGraphSection(t *testing.T) {
	t.Parallel()

	g := &GraphInfo{
		Name:    "tiny",
		Nodes:   []NodeInfo{{Name: "in", Kind: "Input", OutputShape: []int{3}}, {Name: "fc", Kind: "Dense", Inputs: []string{"in"}, OutputShape: []int{2}, Weights: []string{"kernel"}}},
		Inputs:  []string{"in"},
		Outputs: []string{"fc"},
	}
	sec, err := EncodeGraphSection(g)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseGraphSection(sec)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(g, back); diff != "" {
		t.Fatalf("graph (-want +got):\n%s", diff)
	}
	if back.NodeIndex("fc") != 1 || back.NodeIndex("nope") != -1 {
		t.Fatal("NodeIndex")
	}
	if _, err := ParseGraphSection([]byte("{")); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("bad json error = %v", err)
	}
}
