package core

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution means a model or tokenizer identifier could not be fetched,
	// or the fetched pair is inconsistent.
	ErrResolution    = errors.New("resolution error")
	ErrDatasetLoad   = errors.New("dataset load error")
	ErrConfiguration = errors.New("configuration error")
	ErrIO            = errors.New("io error")
	ErrTraining      = errors.New("training error")
)

// wrapErr tags err with kind unless it already carries it.
func wrapErr(kind error, msg string, err error) error {
	if errors.Is(err, kind) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}

// ErrorKind names the failure class of err, or "" when it carries none.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrResolution):
		return "ResolutionError"
	case errors.Is(err, ErrDatasetLoad):
		return "DatasetLoadError"
	case errors.Is(err, ErrIO):
		return "IOError"
	case errors.Is(err, ErrTraining):
		return "TrainingError"
	}
	return ""
}
