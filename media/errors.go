package media

import "errors"

var (
	// ErrInvalidQuery indicates a malformed query (missing artist, unknown kind).
	ErrInvalidQuery = errors.New("invalid query")
	// ErrNotFound indicates the platform search returned no candidates.
	ErrNotFound = errors.New("no candidates found")
	// ErrExtractionFailed indicates no playable audio stream could be negotiated.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrNetwork indicates a timeout or connection error talking to the platform.
	ErrNetwork = errors.New("network failure")
	// ErrProxy indicates a dead or blocked egress proxy.
	ErrProxy = errors.New("proxy failure")
	// ErrCacheIO indicates a persisted cache could not be read or written.
	ErrCacheIO = errors.New("cache io failure")
	// ErrEmptyPreview indicates an attempt to cache a preview with nothing playable in it.
	ErrEmptyPreview = errors.New("empty preview")
)
