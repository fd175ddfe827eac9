package progress

import "errors"

var (
	// ErrNotFound is returned when no record exists for an application ID.
	ErrNotFound = errors.New("progress: application not found")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("progress: application already exists")

	// ErrStoreUnavailable wraps any failure to read or write the store.
	ErrStoreUnavailable = errors.New("progress: store unavailable")

	// ErrUnknownOrExpiredToken is returned when a resume presents a token
	// that is not the one currently outstanding.
	ErrUnknownOrExpiredToken = errors.New("progress: unknown or expired callback token")

	// ErrCallbackOutstanding is returned when a new suspension is requested
	// while another token is still set on the record.
	ErrCallbackOutstanding = errors.New("progress: another callback is outstanding")
)
