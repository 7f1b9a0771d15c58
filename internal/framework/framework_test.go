package framework

import (
	"errors"
	"math"
	"testing"
)

func TestDefaultMapFallback(t *testing.T) {
	t.Parallel()

	m, err := NewDefaultMap(7, map[Kind]int{Dense: 1})
	if err != nil {
		t.Fatalf("NewDefaultMap: %v", err)
	}
	if got := m.Get(Dense); got != 1 {
		t.Fatalf("Get(Dense) = %d, want 1", got)
	}
	if got := m.Get(ReLU); got != 7 {
		t.Fatalf("Get(ReLU) = %d, want default 7", got)
	}
	if _, ok := m.Lookup(ReLU); ok {
		t.Fatalf("Lookup(ReLU) reported an explicit entry")
	}
}

func TestDefaultMapRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := NewDefaultMap(0, map[Kind]int{"LSTM": 1})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDefaultInfo(t *testing.T) {
	t.Parallel()

	info := Default()
	if a, ok := info.KernelAttr(Conv2D); !ok || a != KernelAttr {
		t.Fatalf("Conv2D kernel attr = %q %v", a, ok)
	}
	if _, ok := info.KernelAttr(BatchNorm); ok {
		t.Fatalf("BatchNorm must not have a kernel attribute")
	}
	if ax := info.KernelChannels.Get(Dense); ax.Out != 1 || ax.In != 0 {
		t.Fatalf("Dense axes = %+v", ax)
	}
	if r := info.ActivationRange(ReLU); r.Min != 0 || !math.IsInf(r.Max, 1) {
		t.Fatalf("ReLU range = %+v", r)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	k, err := ParseKind("conv2d")
	if err != nil || k != Conv2D {
		t.Fatalf("ParseKind(conv2d) = %v %v", k, err)
	}
}
