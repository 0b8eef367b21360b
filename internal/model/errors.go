package model

import "errors"

var (
	// ErrMissingPairedFactor reports an adapter source holding only one of
	// the A/B factors for a projection.
	ErrMissingPairedFactor = errors.New("model: missing paired lora factor")
	// ErrConfigMismatch reports inconsistent model geometry, or inputs that
	// do not fit it.
	ErrConfigMismatch = errors.New("model: config mismatch")
	// ErrInvalidStage reports a stage kind the pipeline cannot run.
	ErrInvalidStage = errors.New("model: invalid stage")
	// ErrUnknownAdapter reports an adapter name nothing is attached under.
	ErrUnknownAdapter = errors.New("model: unknown adapter")
)
