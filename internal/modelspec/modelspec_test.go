package modelspec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/tensor"
)

const convModel = `{
  "name": "tiny",
  "seed": 3,
  "inputs": [{"name": "in", "shape": [6, 6, 2]}],
  "layers": [
    {"name": "conv", "kind": "conv2d", "inputs": ["in"], "filters": 4, "kernel_size": 3, "padding": "valid"},
    {"name": "bn", "kind": "batchnorm", "inputs": ["conv"], "epsilon": 0.001},
    {"name": "relu", "kind": "relu", "inputs": ["bn"], "max_value": 6},
    {"name": "flat", "kind": "flatten", "inputs": ["relu"]},
    {"name": "fc", "kind": "dense", "inputs": ["flat"], "units": 3, "use_bias": false}
  ]
}`

func TestBuildInfersShapes(t *testing.T) {
	t.Parallel()

	g, err := Reader{}.Read(context.Background(), []byte(convModel))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := map[string][]int{
		"in":   {6, 6, 2},
		"conv": {4, 4, 4},
		"bn":   {4, 4, 4},
		"relu": {4, 4, 4},
		"flat": {64},
		"fc":   {3},
	}
	got := map[string][]int{}
	for _, n := range g.Nodes() {
		got[n.Name] = n.OutputShape
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("shapes (-want +got):\n%s", diff)
	}
	fc := g.FindByName("fc")
	if fc.Weight(framework.BiasAttr) != nil {
		t.Fatalf("use_bias false must not create a bias")
	}
	if diff := cmp.Diff([]int{64, 3}, fc.Weight(framework.KernelAttr).Shape); diff != "" {
		t.Fatalf("fc kernel shape:\n%s", diff)
	}
	if got := g.FindByName("relu").Attr(framework.MaxValueKey, 0); got != 6 {
		t.Fatalf("relu max_value = %v", got)
	}

	e, err := engine.New(g)
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run([]*tensor.Tensor{tensor.New(2, 6, 6, 2)}, engine.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, out[0].Shape); diff != "" {
		t.Fatalf("output shape:\n%s", diff)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	a, err := Reader{}.Read(context.Background(), []byte(convModel))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Reader{}.Read(context.Background(), []byte(convModel))
	if err != nil {
		t.Fatal(err)
	}
	wa := a.FindByName("conv").Weight(framework.KernelAttr).Data
	wb := b.FindByName("conv").Weight(framework.KernelAttr).Data
	if diff := cmp.Diff(wa, wb); diff != "" {
		t.Fatalf("seeded init differs:\n%s", diff)
	}
}

func TestInlineWeights(t *testing.T) {
	t.Parallel()

	m := &Model{
		Inputs: []InputSpec{{Name: "x", Shape: []int{2}}},
		Layers: []Layer{{
			Name: "fc", Kind: "Dense", Inputs: []string{"x"}, Units: 1,
			Weights: map[string]TensorSpec{
				framework.KernelAttr: {Shape: []int{2, 1}, Data: []float64{2, -1}},
				framework.BiasAttr:   {Shape: []int{1}, Data: []float64{0.5}},
			},
		}},
	}
	g, err := Reader{}.Read(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.New(g)
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run([]*tensor.Tensor{tensor.FromData([]float64{1, 3}, 1, 2)}, engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := out[0].Data[0]; got != 2-3+0.5 {
		t.Fatalf("output = %v, want -0.5", got)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    *Model
		want error
	}{
		{"no inputs", &Model{}, ErrInvalidModel},
		{"unknown input", &Model{
			Inputs: []InputSpec{{Name: "x", Shape: []int{2}}},
			Layers: []Layer{{Name: "r", Kind: "relu", Inputs: []string{"y"}}},
		}, ErrUnknownInput},
		{"dense on image", &Model{
			Inputs: []InputSpec{{Name: "x", Shape: []int{2, 2, 1}}},
			Layers: []Layer{{Name: "fc", Kind: "dense", Inputs: []string{"x"}, Units: 2}},
		}, ErrInvalidModel},
		{"bad weight size", &Model{
			Inputs: []InputSpec{{Name: "x", Shape: []int{2}}},
			Layers: []Layer{{Name: "fc", Kind: "dense", Inputs: []string{"x"}, Units: 1,
				Weights: map[string]TensorSpec{framework.KernelAttr: {Shape: []int{2, 1}, Data: []float64{1}}}}},
		}, ErrInvalidModel},
		{"unknown output", &Model{
			Inputs:  []InputSpec{{Name: "x", Shape: []int{2}}},
			Layers:  []Layer{{Name: "r", Kind: "relu", Inputs: []string{"x"}}},
			Outputs: []string{"nope"},
		}, ErrUnknownInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.m.Build(); !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := (Reader{}).Read(context.Background(), 42); !errors.Is(err, ErrModelType) {
		t.Fatalf("Read(int) error = %v", err)
	}
}

func TestLoadDataset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	body := `{"batch_size": 2, "samples": [[[1, 2]], [[3, 4]], [[5, 6]]]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &Model{Inputs: []InputSpec{{Name: "x", Shape: []int{2}}}}
	ds, err := LoadDataset(path, m)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	var got [][]float64
	for b := range ds() {
		got = append(got, b[0].Data)
	}
	if diff := cmp.Diff([][]float64{{1, 2, 3, 4}, {5, 6}}, got); diff != "" {
		t.Fatalf("batches (-want +got):\n%s", diff)
	}

	bad := DatasetSpec{Samples: [][][]float64{{{1}}}}
	if _, err := bad.Dataset(m); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("short sample error = %v", err)
	}
}

func TestModelRoundTripThroughFile(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(convModel))
	if err != nil {
		t.Fatal(err)
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := Reader{}.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("Read(path): %v", err)
	}
	if g.NumNodes() != 6 {
		t.Fatalf("nodes = %d, want 6", g.NumNodes())
	}
}
