// Package quant holds the quantization math shared by the calibration and
// fine-tuning stages: method tags, parameter search and fake quantization.
package quant

import (
	"fmt"
	"strings"
)

// Method identifies a quantization scheme.
type Method int

const (
	PowerOfTwo Method = iota
	Symmetric
	Uniform
	KMeans
	LUTPowerOfTwo
	LUTSymmetric
)

var methodNames = [...]string{
	PowerOfTwo:    "power_of_two",
	Symmetric:     "symmetric",
	Uniform:       "uniform",
	KMeans:        "kmeans",
	LUTPowerOfTwo: "lut_pot",
	LUTSymmetric:  "lut_sym",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// ParseMethod resolves a method name as written in configuration files.
func ParseMethod(s string) (Method, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "pot":
		return PowerOfTwo, nil
	case "lut_power_of_two":
		return LUTPowerOfTwo, nil
	case "lut_symmetric":
		return LUTSymmetric, nil
	}
	for i, n := range methodNames {
		if n == s {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// UsesThreshold reports whether the method is parameterized by a single
// symmetric threshold.
func (m Method) UsesThreshold() bool {
	return m == PowerOfTwo || m == Symmetric
}

// IsLUT reports whether the method quantizes onto a lookup table.
func (m Method) IsLUT() bool {
	return m == LUTPowerOfTwo || m == LUTSymmetric
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(b []byte) error {
	v, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ErrorMethod selects the metric minimized during parameter search.
type ErrorMethod int

const (
	NoClipping ErrorMethod = iota
	MSE
	MAE
	LP
	HMSE
)

var errorMethodNames = [...]string{
	NoClipping: "noclipping",
	MSE:        "mse",
	MAE:        "mae",
	LP:         "lp",
	HMSE:       "hmse",
}

func (e ErrorMethod) String() string {
	if e < 0 || int(e) >= len(errorMethodNames) {
		return fmt.Sprintf("ErrorMethod(%d)", int(e))
	}
	return errorMethodNames[e]
}

// ParseErrorMethod resolves an error method name.
func ParseErrorMethod(s string) (ErrorMethod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	for i, n := range errorMethodNames {
		if n == s {
			return ErrorMethod(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownErrorMethod, s)
}

// MarshalText implements encoding.TextMarshaler.
func (e ErrorMethod) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *ErrorMethod) UnmarshalText(b []byte) error {
	v, err := ParseErrorMethod(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
