package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the backing document does not exist
	ErrNotFound = errors.New("config not found")
	// ErrMalformed means the document exists but fails decoding or validation
	ErrMalformed = errors.New("config malformed")
	// ErrDuplicateNetwork is returned by AddNetwork when the SSID is already stored
	ErrDuplicateNetwork = errors.New("network already exists")
)

// ConfigError is the tagged error returned by Load and the mutators.
// errors.Is matches ErrNotFound or ErrMalformed depending on Kind.
type ConfigError struct {
	Kind error
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ConfigError) Is(target error) bool {
	return target == e.Kind
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func malformed(path string, err error) error {
	return &ConfigError{Kind: ErrMalformed, Path: path, Err: err}
}
