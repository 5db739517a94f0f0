// Package fs implements the blob area on a plain directory tree. Blobs
// are fanned out over two levels of subdirectories taken from the UUID
// prefix so no single directory grows unbounded.
package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	guuid "github.com/google/uuid"

	"pacsd/pkg/log"
	"pacsd/pkg/storage"
)

// Area stores each blob as one file under root/xx/yy/uuid.
type Area struct {
	root string
}

// New creates the root directory if needed and returns the area.
func New(root string) (*Area, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Error().Err(err).Str("root", root).Msg("Failed to create storage root")
		return nil, err
	}
	return &Area{root: root}, nil
}

// path maps a UUID to its on-disk location.
func (a *Area) path(uuid string) string {
	return filepath.Join(a.root, uuid[0:2], uuid[2:4], uuid)
}

func (a *Area) validate(uuid string) error {
	if _, err := guuid.Parse(uuid); err != nil {
		log.Debug().Str("uuid", uuid).Msg("Invalid blob uuid")
		return storage.InvalidUUIDError{UUID: uuid}
	}
	return nil
}

// Create stores a blob under the given UUID.
func (a *Area) Create(uuid string, data []byte) error {
	uuid = strings.ToLower(uuid)
	if err := a.validate(uuid); err != nil {
		return err
	}

	target := a.path(uuid)
	if _, err := os.Stat(target); err == nil {
		return storage.BlobExistsError{UUID: uuid}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		log.Error().Err(err).Str("uuid", uuid).Msg("Failed to create fan-out directory")
		return err
	}

	// Write to a sibling temp file and rename so readers never observe a
	// partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		log.Error().Err(err).Str("uuid", uuid).Msg("Failed to create temporary blob")
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	log.Debug().Str("uuid", uuid).Int("size", len(data)).Msg("Blob stored")
	return nil
}

// Read returns the bytes of a stored blob.
func (a *Area) Read(uuid string) ([]byte, error) {
	uuid = strings.ToLower(uuid)
	if err := a.validate(uuid); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(a.path(uuid))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.BlobNotFoundError{UUID: uuid}
	}
	if err != nil {
		log.Error().Err(err).Str("uuid", uuid).Msg("Failed to read blob")
		return nil, err
	}
	return data, nil
}

// Remove deletes a stored blob and prunes emptied fan-out directories.
func (a *Area) Remove(uuid string) error {
	uuid = strings.ToLower(uuid)
	if err := a.validate(uuid); err != nil {
		return err
	}

	target := a.path(uuid)
	err := os.Remove(target)
	if errors.Is(err, os.ErrNotExist) {
		return storage.BlobNotFoundError{UUID: uuid}
	}
	if err != nil {
		log.Error().Err(err).Str("uuid", uuid).Msg("Failed to remove blob")
		return err
	}

	// Best effort only; a sibling blob keeps the directory alive.
	_ = os.Remove(filepath.Dir(target))
	_ = os.Remove(filepath.Dir(filepath.Dir(target)))

	log.Debug().Str("uuid", uuid).Msg("Blob removed")
	return nil
}
