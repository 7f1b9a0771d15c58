package core

import (
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable          = errors.New("core: tensor backend is not available")
	ErrInvalidMixedPrecisionConfig = errors.New("core: mixed precision is enabled without a valid mixed precision config")
	ErrInvalidConfig               = errors.New("core: invalid config")
	ErrNoReader                    = errors.New("core: no model reader")
	ErrNoDataset                   = errors.New("core: no representative dataset")
)

// GraphConstructionError wraps a model reader failure.
type GraphConstructionError struct {
	Err error
}

func (e *GraphConstructionError) Error() string {
	return fmt.Sprintf("the model reader could not trace the model\n%v", e.Err)
}

func (e *GraphConstructionError) Unwrap() error { return e.Err }
