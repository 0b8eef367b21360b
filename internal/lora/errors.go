package lora

import "errors"

var (
	// ErrShapeMismatch reports adapter factors whose shapes disagree with
	// (r, in) / (out, r), or a rank change against existing factors.
	ErrShapeMismatch = errors.New("lora: shape mismatch")
	// ErrUnsupportedWeightFormat reports a base projection that is neither
	// dense nor a recognised quantized format.
	ErrUnsupportedWeightFormat = errors.New("lora: unsupported weight format")
	// ErrInvalidBatch reports a malformed batch descriptor.
	ErrInvalidBatch = errors.New("lora: invalid batch")
	// ErrInvalidConfig reports adapter hyperparameters out of range.
	ErrInvalidConfig = errors.New("lora: invalid adapter config")
)
