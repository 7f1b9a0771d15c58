package quant

import "errors"

var (
	ErrUnknownMethod      = errors.New("quant: unknown quantization method")
	ErrUnknownErrorMethod = errors.New("quant: unknown error method")
	ErrInvalidBits        = errors.New("quant: invalid bit width")
	ErrMissingParam       = errors.New("quant: missing quantization parameter")
	ErrMissingWeights     = errors.New("quant: hmse search requires per-value weights")
	ErrNoValues           = errors.New("quant: no values to search")
	ErrNotPowerOfTwo      = errors.New("quant: threshold is not a power of two")
)
