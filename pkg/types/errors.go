package types

import "errors"

// Record validation errors
var (
	// ErrMissingEntityKey is returned when a record has no entity key
	ErrMissingEntityKey = errors.New("missing entity key")

	// ErrUnknownEntityType is returned when a record's entity type is not registered
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrMissingProducerID is returned when a record has no producer ID
	ErrMissingProducerID = errors.New("missing producer id")

	// ErrZeroSequence is returned when a record's sequence is zero
	ErrZeroSequence = errors.New("sequence must be positive")

	// ErrMissingObservedAt is returned when a record has no observation time
	ErrMissingObservedAt = errors.New("missing observed_at")

	// ErrObservedAtOutOfRange is returned when observed_at does not fit in
	// int64 nanoseconds since the Unix epoch
	ErrObservedAtOutOfRange = errors.New("observed_at out of range")

	// ErrInvalidAttributeName is returned for empty or padded attribute names
	ErrInvalidAttributeName = errors.New("invalid attribute name")

	// ErrReservedAttribute is returned when an attribute shadows a graph property
	ErrReservedAttribute = errors.New("reserved attribute name")

	// ErrNonScalarAttribute is returned when an attribute value is not a scalar
	ErrNonScalarAttribute = errors.New("non-scalar attribute value")
)
