package index

import (
	"database/sql"
	"errors"
	"fmt"

	"pacsd/pkg/models"
)

// SetMetadata writes one metadata entry. Overwriting an existing entry
// increments its stored revision; the revision argument seeds new rows.
func (t *Transaction) SetMetadata(id int64, metadataType models.MetadataType, value string, revision int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(
		`INSERT INTO Metadata (id, type, value, revision) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id, type) DO UPDATE SET
		 value = excluded.value,
		 revision = Metadata.revision + 1`,
		id, int(metadataType), value, revision,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// DeleteMetadata removes one metadata entry; absent entries are ignored.
func (t *Transaction) DeleteMetadata(id int64, metadataType models.MetadataType) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`DELETE FROM Metadata WHERE id = ? AND type = ?`,
		id, int(metadataType)); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// LookupMetadata returns one metadata value and its revision.
func (t *Transaction) LookupMetadata(id int64, metadataType models.MetadataType) (string, int64, error) {
	var (
		value    string
		revision int64
	)
	err := t.tx.QueryRow(
		`SELECT value, revision FROM Metadata WHERE id = ? AND type = ?`,
		id, int(metadataType),
	).Scan(&value, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrUnknownMetadata
	}
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return value, revision, nil
}

// GetAllMetadata returns every metadata entry of a resource.
func (t *Transaction) GetAllMetadata(id int64) (map[models.MetadataType]string, error) {
	rows, err := t.tx.Query(
		`SELECT type, value FROM Metadata WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	metadata := make(map[models.MetadataType]string)
	for rows.Next() {
		var (
			metadataType int
			value        string
		)
		if err := rows.Scan(&metadataType, &value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		metadata[models.MetadataType(metadataType)] = value
	}
	return metadata, rows.Err()
}

// GetChildrenMetadata collects one metadata type across the direct
// children of a resource, skipping children without the entry.
func (t *Transaction) GetChildrenMetadata(parentID int64, metadataType models.MetadataType) ([]string, error) {
	rows, err := t.tx.Query(
		`SELECT m.value FROM Metadata m
		 JOIN Resources r ON r.internalId = m.id
		 WHERE r.parentId = ? AND m.type = ?
		 ORDER BY r.internalId`,
		parentID, int(metadataType))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
