package bundle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for bundle pointers without a folder component
	// or that decode to nothing.
	ErrInvalidPath = errors.New("invalid bundle path")

	// ErrNoEntryFound is returned when a bundle has no usable entry document
	// or a requested archive member does not exist.
	ErrNoEntryFound = errors.New("no entry found")

	// ErrDecodeFailed is returned when an archive or text member cannot be decoded.
	ErrDecodeFailed = errors.New("decode failed")
)

// FetchError reports a non-success response from an upstream collaborator.
type FetchError struct {
	Status int
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s failed: upstream status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AsFetchError checks if an error is a FetchError and returns it.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// InvalidPathf wraps ErrInvalidPath with detail.
func InvalidPathf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPath, fmt.Sprintf(format, args...))
}

// NoEntryf wraps ErrNoEntryFound with detail.
func NoEntryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNoEntryFound, fmt.Sprintf(format, args...))
}

// DecodeFailed wraps ErrDecodeFailed around a cause.
func DecodeFailed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDecodeFailed, what, err)
}
