package types

import (
	"errors"
)

const maxIDLength = 100

var ErrInvalidID = errors.New("invalid ID")

// ForkID identifies a single forked chain view hosted by the service.
type ForkID string

func (id ForkID) String() string {
	return string(id)
}

func (id ForkID) MarshalText() ([]byte, error) {
	if len(id) > maxIDLength {
		return nil, ErrInvalidID
	}
	if len(id) == 0 {
		return nil, ErrInvalidID
	}
	return []byte(id), nil
}

func (id *ForkID) UnmarshalText(data []byte) error {
	if len(data) > maxIDLength {
		return ErrInvalidID
	}
	if len(data) == 0 {
		return ErrInvalidID
	}
	*id = ForkID(data)
	return nil
}

// Origin tags a cached value with its provenance: fetched from the remote
// source at the fork block, or overridden locally by a test.
type Origin uint8

const (
	// OriginRemote marks a value fetched from the remote source at the fork
	// block. Remote values are immutable for the lifetime of the fork.
	OriginRemote Origin = iota
	// OriginLocal marks a test-overridden value. Local values take precedence
	// over remote values and are never evicted.
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "remote"
	case OriginLocal:
		return "local"
	default:
		return "unknown"
	}
}
