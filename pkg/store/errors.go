package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnavailable is returned when the backing medium is unreachable and the
// requested operation cannot be served from cache or deferred.
var ErrUnavailable = errors.New("store: backend unavailable")

// UnknownTypeError reports a provider type outside the closed enumeration.
type UnknownTypeError struct {
	Type ProviderType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("store: unknown provider type %q", string(e.Type))
}
