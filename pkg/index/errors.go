package index

import "errors"

var (
	// ErrUnknownResource is returned when a public or internal id does
	// not name a stored resource.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrUnknownAttachment is returned when a resource has no attachment
	// of the requested type.
	ErrUnknownAttachment = errors.New("unknown attachment")

	// ErrUnknownMetadata is returned when a resource has no metadata of
	// the requested type.
	ErrUnknownMetadata = errors.New("unknown metadata")

	// ErrUnknownProperty is returned when a global property is unset.
	ErrUnknownProperty = errors.New("unknown global property")

	// ErrDone is returned by Transaction methods after Commit or
	// Rollback.
	ErrDone = errors.New("transaction already finished")

	// ErrReadOnly is returned when a write is attempted inside a
	// read-only transaction.
	ErrReadOnly = errors.New("write inside a read-only transaction")

	// ErrDatabase tags any underlying SQLite failure.
	ErrDatabase = errors.New("database error")
)
