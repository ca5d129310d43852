package pyramid

import "errors"

var (
	// ErrConfiguration reports a structural misconfiguration: CRS mismatch,
	// grid arithmetic overflow, duplicate identifiers. Raised at creation time.
	ErrConfiguration = errors.New("configuration error")
	// ErrUnsupported is returned when mutating a read-only resource, pyramid or mosaic.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrOutOfBounds is returned for tile coordinates outside the declared grid.
	ErrOutOfBounds = errors.New("tile out of bounds")
	// ErrInvalidTile is returned for payloads that do not fit their mosaic,
	// e.g. an image of another size than the mosaic's tile size.
	ErrInvalidTile = errors.New("invalid tile")
	// ErrGeneration wraps failures of a tile generator.
	ErrGeneration = errors.New("tile generation failed")
	// ErrStorage wraps I/O failures of the underlying storage.
	ErrStorage = errors.New("storage failure")
	// ErrNotFound is returned for unknown model or mosaic identifiers.
	ErrNotFound = errors.New("not found")
)
