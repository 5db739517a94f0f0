package index

import (
	"fmt"

	"pacsd/pkg/dicom"
)

// SetMainDicomTag caches one header value on a resource for fast
// retrieval. Main tags are not indexed for searching.
func (t *Transaction) SetMainDicomTag(id int64, tag dicom.Tag, value string) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(
		`INSERT OR REPLACE INTO MainDicomTags (id, tagGroup, tagElement, value)
		 VALUES (?, ?, ?, ?)`,
		id, tag.Group, tag.Element, value,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// SetIdentifierTag indexes one normalized header value for lookup.
func (t *Transaction) SetIdentifierTag(id int64, tag dicom.Tag, value string) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(
		`INSERT OR REPLACE INTO DicomIdentifiers (id, tagGroup, tagElement, value)
		 VALUES (?, ?, ?, ?)`,
		id, tag.Group, tag.Element, dicom.NormalizeIdentifier(value),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// ClearMainDicomTags drops the cached header values of a resource. The
// identifier index is left untouched; use ClearDicomIdentifiers for that.
func (t *Transaction) ClearMainDicomTags(id int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(`DELETE FROM MainDicomTags WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// ClearDicomIdentifiers drops the indexed identifier values of a resource.
func (t *Transaction) ClearDicomIdentifiers(id int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(`DELETE FROM DicomIdentifiers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// GetMainDicomTags returns the cached header values of a resource.
func (t *Transaction) GetMainDicomTags(id int64) (dicom.Map, error) {
	rows, err := t.tx.Query(
		`SELECT tagGroup, tagElement, value FROM MainDicomTags WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	tags := make(dicom.Map)
	for rows.Next() {
		var (
			group, element uint16
			value          string
		)
		if err := rows.Scan(&group, &element, &value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		tags[dicom.Tag{Group: group, Element: element}] = value
	}
	return tags, rows.Err()
}

// AddLabel attaches a label to a resource; adding twice is a no-op.
func (t *Transaction) AddLabel(id int64, label string) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`INSERT OR IGNORE INTO Labels (id, label) VALUES (?, ?)`, id, label); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// RemoveLabel detaches a label; absent labels are ignored.
func (t *Transaction) RemoveLabel(id int64, label string) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`DELETE FROM Labels WHERE id = ? AND label = ?`, id, label); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// ListLabels returns the labels of a resource in lexical order.
func (t *Transaction) ListLabels(id int64) ([]string, error) {
	rows, err := t.tx.Query(
		`SELECT label FROM Labels WHERE id = ? ORDER BY label`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}
