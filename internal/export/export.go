// Package export writes finalized graphs to QCF containers and reads them
// back as dequantized weights.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metadata"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/qcf"
	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	ErrUnsupported = errors.New("export: unsupported quantization")
	ErrNoGraph     = errors.New("export: nil graph")
)

const (
	sectionVersion = 1
	tensorAlign    = 64
	defaultLUTBits = 8
)

// Options controls what is written next to the graph.
type Options struct {
	// Name is stored in the graph section.
	Name string
	// Metadata is written as its own section when set.
	Metadata *metadata.Metadata
	// FloatDType encodes unquantized tensors. Defaults to f16.
	FloatDType qcf.DType
}

var methods = map[quant.Method]qcf.QuantMethod{
	quant.PowerOfTwo:    qcf.MethodPowerOfTwo,
	quant.Symmetric:     qcf.MethodSymmetric,
	quant.Uniform:       qcf.MethodUniform,
	quant.KMeans:        qcf.MethodKMeans,
	quant.LUTPowerOfTwo: qcf.MethodLUTPowerOfTwo,
	quant.LUTSymmetric:  qcf.MethodLUTSymmetric,
}

// payload is one tensor waiting to be written.
type payload struct {
	name  string
	node  uint32
	role  qcf.TensorRole
	dtype qcf.DType
	shape []int
	data  []float64
}

// Write stores g at path. Weights whose active configuration quantizes them
// are stored as integer codes with their scales; other weights use
// opts.FloatDType.
func Write(ctx context.Context, path string, g *graph.Graph, opts Options) error {
	if g == nil {
		return ErrNoGraph
	}
	log := logger.Component(ctx, "export")
	floatDT := opts.FloatDType
	if floatDT == qcf.DTypeUnknown {
		floatDT = qcf.DTypeF16
	}
	if !floatDT.IsFloat() {
		return fmt.Errorf("export: float dtype %s", floatDT)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	info := &qcf.GraphInfo{Name: opts.Name}
	for _, n := range g.Inputs() {
		info.Inputs = append(info.Inputs, n.Name)
	}
	for _, n := range g.Outputs() {
		info.Outputs = append(info.Outputs, n.Name)
	}

	var (
		tensors []payload
		records []qcf.QuantRecord
	)
	add := func(p payload) uint32 {
		tensors = append(tensors, p)
		return uint32(len(tensors) - 1)
	}
	for idx, n := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		ni := qcf.NodeInfo{
			Name:        n.Name,
			Kind:        string(n.Kind),
			Attrs:       n.Attrs,
			OutputShape: n.OutputShape,
			Weights:     n.WeightNames(),
			FusedGroup:  n.FusedGroup,
		}
		for _, p := range g.Predecessors(n.ID) {
			ni.Inputs = append(ni.Inputs, p.Name)
		}
		info.Nodes = append(info.Nodes, ni)

		cfg := n.Config()
		for _, attr := range ni.Weights {
			w := n.Weight(attr)
			name := tensorName(n.Name, attr)
			var ac *graph.AttrConfig
			if cfg != nil {
				ac = cfg.Attr(attr)
			}
			if ac == nil || !ac.Enabled {
				add(payload{name: name, node: uint32(idx), role: qcf.RoleFloat, dtype: floatDT, shape: w.Shape, data: w.Data})
				continue
			}
			enc, err := encodeWeight(w, ac)
			if err != nil {
				return fmt.Errorf("export: %s/%s: %w", n.Name, attr, err)
			}
			rec := enc.record
			rec.Node = uint32(idx)
			node := uint32(idx)
			rec.Tensor = add(payload{name: name, node: node, role: qcf.RoleCodes, dtype: enc.codeDType, shape: w.Shape, data: enc.codes})
			rec.Scale, rec.Aux = qcf.NoTensor, qcf.NoTensor
			if enc.scale != nil {
				rec.Scale = add(payload{name: name + ".scale", node: node, role: qcf.RoleScale, dtype: qcf.DTypeF32, shape: []int{len(enc.scale)}, data: enc.scale})
			}
			if enc.aux != nil {
				role := qcf.RoleZero
				if rec.Method.IsLUT() {
					role = qcf.RoleLUT
				}
				rec.Aux = add(payload{name: name + enc.auxSuffix, node: node, role: role, dtype: qcf.DTypeF32, shape: []int{len(enc.aux)}, data: enc.aux})
			}
			records = append(records, rec)
		}

		if n.IsActivationQuantized() {
			rec, err := activationRecord(&cfg.Activation)
			if err != nil {
				return fmt.Errorf("export: %s activation: %w", n.Name, err)
			}
			rec.Node = uint32(idx)
			records = append(records, rec)
		}
	}

	// Record tensor references are positions in write order; the index
	// itself is sorted by name.
	if err := resolveTensorRefs(records, tensors); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := writeContainer(f, info, tensors, records, opts.Metadata); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.Info("model exported", "path", path, "nodes", len(info.Nodes), "tensors", len(tensors), "quant_records", len(records))
	return nil
}

func tensorName(node, attr string) string { return node + "/" + attr }

// resolveTensorRefs rewrites record tensor references from write order to
// positions in the name-sorted tensor index.
func resolveTensorRefs(records []qcf.QuantRecord, tensors []payload) error {
	names := make([]string, len(tensors))
	for i, t := range tensors {
		names[i] = t.name
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	pos := func(ref uint32) uint32 {
		if ref == qcf.NoTensor {
			return ref
		}
		i, _ := slices.BinarySearch(sorted, names[ref])
		return uint32(i)
	}
	if len(slices.Compact(slices.Clone(sorted))) != len(sorted) {
		return errors.New("export: duplicate tensor names")
	}
	for i := range records {
		records[i].Tensor = pos(records[i].Tensor)
		records[i].Scale = pos(records[i].Scale)
		records[i].Aux = pos(records[i].Aux)
	}
	return nil
}

func writeContainer(f *os.File, info *qcf.GraphInfo, tensors []payload, records []qcf.QuantRecord, md *metadata.Metadata) error {
	w, err := qcf.NewWriter(f)
	if err != nil {
		return err
	}
	gsec, err := qcf.EncodeGraphSection(info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(qcf.SectionGraph, qcf.GraphInfoVersion, gsec); err != nil {
		return err
	}

	td, err := w.BeginSection(qcf.SectionTensorData, sectionVersion)
	if err != nil {
		return err
	}
	index := make([]qcf.TensorIndexRecord, 0, len(tensors))
	for _, t := range tensors {
		raw, err := qcf.Encode(t.dtype, t.data)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.name, err)
		}
		if err := td.Align(tensorAlign); err != nil {
			return err
		}
		off, err := td.CurrentAbsOffset()
		if err != nil {
			return err
		}
		if _, err := td.Write(raw); err != nil {
			return err
		}
		index = append(index, qcf.TensorIndexRecord{
			Name:     t.name,
			Node:     t.node,
			Role:     t.role,
			DType:    t.dtype,
			Shape:    t.shape,
			DataOff:  off,
			DataSize: uint64(len(raw)),
		})
	}
	if err := td.End(); err != nil {
		return err
	}
	if err := w.AddFlags(qcf.FlagTensorDataAligned64); err != nil {
		return err
	}

	isec, err := qcf.EncodeTensorIndexSection(index)
	if err != nil {
		return err
	}
	if err := w.WriteSection(qcf.SectionTensorIndex, qcf.TensorIndexVersion, isec); err != nil {
		return err
	}
	qsec, err := qcf.EncodeQuantInfoSection(records)
	if err != nil {
		return err
	}
	if err := w.WriteSection(qcf.SectionQuantInfo, qcf.QuantInfoVersion, qsec); err != nil {
		return err
	}

	if md != nil {
		msec, err := md.Marshal()
		if err != nil {
			return err
		}
		if err := w.WriteSection(qcf.SectionMetadata, sectionVersion, msec); err != nil {
			return err
		}
		if err := w.AddFlags(qcf.FlagHasMetadata); err != nil {
			return err
		}
	}
	return w.Finalise()
}

// encoded is a weight split into integer codes and reconstruction tensors.
type encoded struct {
	record    qcf.QuantRecord
	codeDType qcf.DType
	codes     []float64
	scale     []float64
	aux       []float64
	auxSuffix string
}

// encodeWeight fake-quantizes data under ac and derives the integer code of
// every element.
func encodeWeight(w *tensor.Tensor, ac *graph.AttrConfig) (*encoded, error) {
	method, ok := methods[ac.Method]
	if !ok {
		return nil, fmt.Errorf("%w: method %v", ErrUnsupported, ac.Method)
	}
	if ac.NBits < 1 || ac.NBits > 32 {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupported, ac.NBits)
	}
	q, err := engine.QuantizeWeight(w, ac)
	if err != nil {
		return nil, err
	}

	channels, stride, axis := 1, w.Size(), int32(-1)
	if ac.PerChannel {
		ax, err := tensor.NormalizeAxis(ac.ChannelAxis, w.Rank())
		if err != nil {
			return nil, err
		}
		channels, stride = tensor.ChannelStride(w.Shape, ax)
		axis = int32(ax)
	}
	chOf := func(i int) int {
		if channels == 1 {
			return 0
		}
		return (i / stride) % channels
	}

	enc := &encoded{
		record: qcf.QuantRecord{Method: method, Domain: qcf.DomainWeights, NBits: uint8(ac.NBits), Axis: axis},
		codes:  make([]float64, w.Size()),
	}
	if ac.PerChannel {
		enc.record.Flags |= qcf.FlagPerChannel
	}
	minClip, maxClip := math.Inf(1), math.Inf(-1)

	switch ac.Method {
	case quant.PowerOfTwo, quant.Symmetric:
		enc.record.Flags |= qcf.FlagSigned
		enc.codeDType = qcf.CodeDType(ac.NBits, true)
		lo, hi := quant.IntRange(ac.NBits, true)
		enc.scale = make([]float64, channels)
		for c := range enc.scale {
			t, ok := ac.Params.At(quant.Threshold, c)
			if !ok {
				return nil, fmt.Errorf("%w: %s", quant.ErrMissingParam, quant.Threshold)
			}
			d := quant.Delta(t, ac.NBits, true)
			enc.scale[c] = d
			minClip, maxClip = math.Min(minClip, lo*d), math.Max(maxClip, hi*d)
		}
		for i, v := range q.Data {
			if d := enc.scale[chOf(i)]; d != 0 {
				enc.codes[i] = math.Round(v / d)
			}
		}

	case quant.Uniform:
		enc.codeDType = qcf.CodeDType(ac.NBits, false)
		levels := math.Exp2(float64(ac.NBits)) - 1
		enc.scale = make([]float64, channels)
		enc.aux, enc.auxSuffix = make([]float64, channels), ".zero"
		for c := range enc.scale {
			a, okA := ac.Params.At(quant.RangeMin, c)
			b, okB := ac.Params.At(quant.RangeMax, c)
			if !okA || !okB {
				return nil, fmt.Errorf("%w: %s/%s", quant.ErrMissingParam, quant.RangeMin, quant.RangeMax)
			}
			enc.scale[c], enc.aux[c] = (b-a)/levels, a
			minClip, maxClip = math.Min(minClip, a), math.Max(maxClip, b)
		}
		for i, v := range q.Data {
			c := chOf(i)
			if d := enc.scale[c]; d != 0 {
				enc.codes[i] = math.Round((v - enc.aux[c]) / d)
			}
		}

	case quant.KMeans, quant.LUTPowerOfTwo, quant.LUTSymmetric:
		centers := ac.Params[quant.ClusterCenters]
		if len(centers) == 0 {
			return nil, fmt.Errorf("%w: %s", quant.ErrMissingParam, quant.ClusterCenters)
		}
		if float64(len(centers)) > math.Exp2(float64(ac.NBits)) {
			return nil, fmt.Errorf("%w: %d centers for %d bits", ErrUnsupported, len(centers), ac.NBits)
		}
		enc.codeDType = qcf.CodeDType(ac.NBits, false)
		enc.aux, enc.auxSuffix = slices.Clone(centers), ".lut"
		scale := []float64{1}
		if ac.Method != quant.KMeans {
			lutBits := ac.LUTValuesBitwidth
			if lutBits == 0 {
				lutBits = defaultLUTBits
			}
			scale = make([]float64, channels)
			for c := range scale {
				t, ok := ac.Params.At(quant.ScalePerChannel, c)
				if !ok {
					return nil, fmt.Errorf("%w: %s", quant.ErrMissingParam, quant.ScalePerChannel)
				}
				scale[c] = t / math.Exp2(float64(lutBits-1))
			}
			enc.scale = scale
		}
		lo, hi := slices.Min(centers), slices.Max(centers)
		for _, s := range scale {
			minClip, maxClip = math.Min(minClip, math.Min(lo*s, hi*s)), math.Max(maxClip, math.Max(lo*s, hi*s))
		}
		for i, v := range q.Data {
			s := scale[min(chOf(i), len(scale)-1)]
			if s != 0 {
				v /= s
			}
			enc.codes[i] = float64(nearest(centers, v))
		}
	}
	enc.record.MinClip, enc.record.MaxClip = float32(minClip), float32(maxClip)
	return enc, nil
}

// activationRecord describes the clipping range of an activation quantizer.
func activationRecord(ac *graph.ActivationConfig) (qcf.QuantRecord, error) {
	method, ok := methods[ac.Method]
	if !ok || method.IsLUT() {
		return qcf.QuantRecord{}, fmt.Errorf("%w: activation method %v", ErrUnsupported, ac.Method)
	}
	rec := qcf.QuantRecord{
		Tensor: qcf.NoTensor, Scale: qcf.NoTensor, Aux: qcf.NoTensor,
		Method: method, Domain: qcf.DomainActivations, NBits: uint8(ac.NBits), Axis: -1,
	}
	if ac.Signed {
		rec.Flags |= qcf.FlagSigned
	}
	switch ac.Method {
	case quant.PowerOfTwo, quant.Symmetric:
		t, ok := ac.Params.At(quant.Threshold, 0)
		if !ok {
			return rec, fmt.Errorf("%w: %s", quant.ErrMissingParam, quant.Threshold)
		}
		lo, hi := quant.IntRange(ac.NBits, ac.Signed)
		d := quant.Delta(t, ac.NBits, ac.Signed)
		rec.MinClip, rec.MaxClip = float32(lo*d), float32(hi*d)
	case quant.Uniform:
		a, okA := ac.Params.At(quant.RangeMin, 0)
		b, okB := ac.Params.At(quant.RangeMax, 0)
		if !okA || !okB {
			return rec, fmt.Errorf("%w: %s/%s", quant.ErrMissingParam, quant.RangeMin, quant.RangeMax)
		}
		rec.MinClip, rec.MaxClip = float32(a), float32(b)
	}
	return rec, nil
}

func nearest(centers []float64, x float64) int {
	best, bestD := 0, math.Inf(1)
	for i, c := range centers {
		if d := math.Abs(x - c); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}
