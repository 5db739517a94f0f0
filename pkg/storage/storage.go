// Package storage defines the blob area holding attachment bytes. The
// index only records descriptors; the bytes live here, keyed by UUID.
package storage

// Area is the interface for attachment blob storage.
type Area interface {
	// Create stores a blob under the given UUID.
	// Returns an error if a blob with that UUID already exists.
	Create(uuid string, data []byte) error

	// Read returns the bytes of a stored blob.
	// Returns an error if the blob doesn't exist or the UUID is invalid.
	Read(uuid string) ([]byte, error)

	// Remove deletes a stored blob. Removing an absent blob is an error.
	Remove(uuid string) error
}

// BlobExistsError indicates a Create collision on an existing UUID.
type BlobExistsError struct {
	UUID string
}

func (e BlobExistsError) Error() string {
	return "blob already exists"
}

// BlobNotFoundError indicates a Read or Remove on an absent UUID.
type BlobNotFoundError struct {
	UUID string
}

func (e BlobNotFoundError) Error() string {
	return "blob not found"
}

// InvalidUUIDError indicates a malformed blob key.
type InvalidUUIDError struct {
	UUID string
}

func (e InvalidUUIDError) Error() string {
	return "invalid blob uuid"
}
