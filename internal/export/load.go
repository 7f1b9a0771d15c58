package export

import (
	"fmt"
	"strings"

	"github.com/samcharles93/ptq/internal/metadata"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/qcf"
)

// Record is a quantization record resolved to names.
type Record struct {
	Node string
	// Attr is empty for activation records.
	Attr      string
	CodeDType qcf.DType
	qcf.QuantRecord
}

// Model is the content of a QCF file with weights reconstructed as floats.
type Model struct {
	Graph   *qcf.GraphInfo
	Weights map[string]map[string]*tensor.Tensor
	Records []Record
	// Metadata is nil when the file has no metadata section.
	Metadata *metadata.Metadata
	Flags    uint64
}

// Load reads a QCF file written by Write.
func Load(path string) (*Model, error) {
	f, err := qcf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer func() { _ = f.Close() }()

	m := &Model{Weights: map[string]map[string]*tensor.Tensor{}, Flags: f.Header.Flags}
	gsec, err := f.Payload(qcf.SectionGraph)
	if err != nil {
		return nil, err
	}
	if m.Graph, err = qcf.ParseGraphSection(gsec); err != nil {
		return nil, err
	}
	isec, err := f.Payload(qcf.SectionTensorIndex)
	if err != nil {
		return nil, err
	}
	ti, err := qcf.ParseTensorIndexSection(isec)
	if err != nil {
		return nil, err
	}
	qsec, err := f.Payload(qcf.SectionQuantInfo)
	if err != nil {
		return nil, err
	}
	qi, err := qcf.ParseQuantInfoSection(qsec)
	if err != nil {
		return nil, err
	}
	if msec, err := f.Payload(qcf.SectionMetadata); err == nil {
		if m.Metadata, err = metadata.Unmarshal(msec); err != nil {
			return nil, err
		}
	}

	r := &tensorReader{f: f, ti: ti}
	quantized := map[string]Record{}
	for _, qr := range qi.Records() {
		if int(qr.Node) >= len(m.Graph.Nodes) {
			return nil, fmt.Errorf("%w: record node %d", qcf.ErrCorruptFile, qr.Node)
		}
		rec := Record{Node: m.Graph.Nodes[qr.Node].Name, QuantRecord: qr}
		if qr.Domain == qcf.DomainWeights {
			e, err := ti.Entry(int(qr.Tensor))
			if err != nil {
				return nil, err
			}
			if e.Role != qcf.RoleCodes || e.Node != qr.Node {
				return nil, fmt.Errorf("%w: record for %s points at %s tensor of node %d", qcf.ErrCorruptFile, rec.Node, e.Role, e.Node)
			}
			name, err := ti.Name(int(qr.Tensor))
			if err != nil {
				return nil, err
			}
			rec.Attr = strings.TrimPrefix(name, rec.Node+"/")
			rec.CodeDType = e.DType
			quantized[name] = rec
		}
		m.Records = append(m.Records, rec)
	}

	for _, n := range m.Graph.Nodes {
		for _, attr := range n.Weights {
			name := tensorName(n.Name, attr)
			var t *tensor.Tensor
			if rec, ok := quantized[name]; ok {
				t, err = r.dequantize(rec.QuantRecord)
			} else {
				t, err = r.byName(name)
			}
			if err != nil {
				return nil, fmt.Errorf("export: %s: %w", name, err)
			}
			if m.Weights[n.Name] == nil {
				m.Weights[n.Name] = map[string]*tensor.Tensor{}
			}
			m.Weights[n.Name][attr] = t
		}
	}
	return m, nil
}

type tensorReader struct {
	f  *qcf.File
	ti *qcf.TensorIndex
}

func (r *tensorReader) at(i int) (*tensor.Tensor, error) {
	e, err := r.ti.Entry(i)
	if err != nil {
		return nil, err
	}
	raw, err := r.ti.TensorData(r.f, i)
	if err != nil {
		return nil, err
	}
	vals, err := qcf.Decode(e.DType, raw)
	if err != nil {
		return nil, err
	}
	shape := e.Shape()
	if uint64(len(vals)) != e.NumElements() {
		return nil, fmt.Errorf("%w: %d values for shape %v", qcf.ErrCorruptFile, len(vals), shape)
	}
	return tensor.FromData(vals, shape...), nil
}

func (r *tensorReader) byName(name string) (*tensor.Tensor, error) {
	i, ok := r.ti.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: tensor %s", qcf.ErrNotFound, name)
	}
	return r.at(i)
}

func (r *tensorReader) optional(ref uint32) ([]float64, error) {
	if ref == qcf.NoTensor {
		return nil, nil
	}
	t, err := r.at(int(ref))
	if err != nil {
		return nil, err
	}
	return t.Data, nil
}

// dequantize rebuilds a weight from its codes: code*scale+zero for grid
// methods and lut[code]*scale for lookup tables.
func (r *tensorReader) dequantize(rec qcf.QuantRecord) (*tensor.Tensor, error) {
	codes, err := r.at(int(rec.Tensor))
	if err != nil {
		return nil, err
	}
	scale, err := r.optional(rec.Scale)
	if err != nil {
		return nil, err
	}
	aux, err := r.optional(rec.Aux)
	if err != nil {
		return nil, err
	}

	channels, stride := 1, codes.Size()
	if rec.PerChannel() {
		if int(rec.Axis) < 0 || int(rec.Axis) >= codes.Rank() {
			return nil, fmt.Errorf("%w: axis %d", qcf.ErrCorruptFile, rec.Axis)
		}
		channels, stride = tensor.ChannelStride(codes.Shape, int(rec.Axis))
	}
	pick := func(v []float64, c int) float64 {
		switch {
		case len(v) == 0:
			return 1
		case c < len(v):
			return v[c]
		}
		return v[len(v)-1]
	}

	out := tensor.New(codes.Shape...)
	for i, code := range codes.Data {
		c := 0
		if channels > 1 {
			c = (i / stride) % channels
		}
		s := pick(scale, c)
		if rec.Method.IsLUT() {
			k := int(code)
			if k < 0 || k >= len(aux) {
				return nil, fmt.Errorf("%w: lut code %d", qcf.ErrCorruptFile, k)
			}
			out.Data[i] = aux[k] * s
			continue
		}
		zero := 0.0
		if rec.Method == qcf.MethodUniform {
			zero = pick(aux, c)
		}
		out.Data[i] = code*s + zero
	}
	return out, nil
}
