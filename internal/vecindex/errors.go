package vecindex

import "errors"

var (
	// ErrEmptyIndex is returned by Search when the index holds no vectors.
	ErrEmptyIndex = errors.New("vector index is empty")
	// ErrCorruptIndex marks an artifact that cannot be trusted and must be rebuilt.
	ErrCorruptIndex = errors.New("corrupt index artifact")
	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidVector is returned for vectors with NaN or infinite components.
	ErrInvalidVector = errors.New("vector has non-finite components")
	// ErrSlotNotFound is returned by IDMap.Resolve for a slot beyond the map.
	ErrSlotNotFound = errors.New("slot not found in identifier map")
	// ErrNoArtifacts is returned by Open when no build was ever committed.
	ErrNoArtifacts = errors.New("no index artifacts")
)
