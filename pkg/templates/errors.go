package templates

import (
	"errors"
	"fmt"
)

// ErrOutsideBaseDir is returned when a key resolves to a path that escapes
// the store's base directory.
var ErrOutsideBaseDir = errors.New("template path escapes base directory")

// NotFoundError indicates that no backing file matched the requested key
// under any supported extension.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Key)
}

// LoadError indicates that a backing file exists but could not be decoded
// after the configured retry attempts.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load template %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a template NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
