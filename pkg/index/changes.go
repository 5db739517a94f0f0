package index

import (
	"database/sql"
	"errors"
	"fmt"

	"pacsd/pkg/models"
)

// LogChange appends one entry to the change feed. The sequence number is
// assigned by the database and is strictly increasing in commit order.
func (t *Transaction) LogChange(changeType models.ChangeType, id int64, resourceType models.ResourceType, date string) error {
	if err := t.writable(); err != nil {
		return err
	}

	publicID, err := t.GetPublicID(id)
	if err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`INSERT INTO Changes (changeType, internalId, resourceType, publicId, date)
		 VALUES (?, ?, ?, ?, ?)`,
		int(changeType), id, int(resourceType), publicID, date); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// GetChanges returns up to limit entries with seq greater than since, plus
// a flag telling whether the feed end was reached.
func (t *Transaction) GetChanges(since int64, limit int) ([]models.Change, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	// One extra row decides the done flag without a second query.
	rows, err := t.tx.Query(
		`SELECT seq, changeType, resourceType, publicId, date
		 FROM Changes WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var changes []models.Change
	for rows.Next() {
		var (
			c          models.Change
			changeType int
			rtype      int
		)
		if err := rows.Scan(&c.Seq, &changeType, &rtype, &c.PublicID, &c.Date); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		c.ChangeType = models.ChangeType(changeType)
		c.ResourceType = models.ResourceType(rtype)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	done := true
	if len(changes) > limit {
		changes = changes[:limit]
		done = false
	}
	return changes, done, nil
}

// GetLastChange returns the most recent entry of the feed, or false when
// the feed is empty.
func (t *Transaction) GetLastChange() (models.Change, bool, error) {
	var (
		c          models.Change
		changeType int
		rtype      int
	)
	err := t.tx.QueryRow(
		`SELECT seq, changeType, resourceType, publicId, date
		 FROM Changes ORDER BY seq DESC LIMIT 1`,
	).Scan(&c.Seq, &changeType, &rtype, &c.PublicID, &c.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Change{}, false, nil
	}
	if err != nil {
		return models.Change{}, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	c.ChangeType = models.ChangeType(changeType)
	c.ResourceType = models.ResourceType(rtype)
	return c, true, nil
}

// GetLastChangeIndex returns the seq of the most recent entry, zero when
// the feed is empty. The value is non-decreasing across the life of the
// database even after ClearChanges, thanks to SQLite AUTOINCREMENT.
func (t *Transaction) GetLastChangeIndex() (int64, error) {
	var seq sql.NullInt64
	err := t.tx.QueryRow(
		`SELECT seq FROM sqlite_sequence WHERE name = 'Changes'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return seq.Int64, nil
}

// ClearChanges truncates the feed. Sequence numbers keep increasing from
// where they stopped.
func (t *Transaction) ClearChanges() error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM Changes`); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// LogExportedResource appends one entry to the exported-resources feed.
func (t *Transaction) LogExportedResource(exported models.ExportedResource) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`INSERT INTO ExportedResources
		 (resourceType, publicId, remoteModality, patientId, studyUid, seriesUid, sopInstanceUid, date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int(exported.ResourceType), exported.PublicID, exported.Modality,
		exported.PatientID, exported.StudyUID, exported.SeriesUID,
		exported.SOPInstanceUID, exported.Date); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// GetExportedResources pages through the exported feed like GetChanges.
func (t *Transaction) GetExportedResources(since int64, limit int) ([]models.ExportedResource, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := t.tx.Query(
		`SELECT seq, resourceType, publicId, remoteModality, patientId,
		        studyUid, seriesUid, sopInstanceUid, date
		 FROM ExportedResources WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var exported []models.ExportedResource
	for rows.Next() {
		var (
			e     models.ExportedResource
			rtype int
		)
		if err := rows.Scan(&e.Seq, &rtype, &e.PublicID, &e.Modality,
			&e.PatientID, &e.StudyUID, &e.SeriesUID, &e.SOPInstanceUID, &e.Date); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		e.ResourceType = models.ResourceType(rtype)
		exported = append(exported, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	done := true
	if len(exported) > limit {
		exported = exported[:limit]
		done = false
	}
	return exported, done, nil
}

// ClearExportedResources truncates the exported feed.
func (t *Transaction) ClearExportedResources() error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM ExportedResources`); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}
