package qcf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid QCF magic")
	ErrUnsupportedMajor = errors.New("unsupported QCF major version")
	ErrUnsupportedMinor = errors.New("unsupported QCF section version")
	ErrCorruptFile      = errors.New("corrupt QCF file")
	ErrNotFound         = errors.New("qcf: not found")
)
