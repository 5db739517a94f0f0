package index

import (
	"database/sql"
	"errors"
	"fmt"

	"pacsd/pkg/models"
)

// AddAttachment records a blob of the storage area under a resource and
// bumps the cached total sizes. At most one attachment per type may exist;
// replacing one requires deleting it first.
func (t *Transaction) AddAttachment(id int64, attachment models.Attachment, revision int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(
		`INSERT INTO AttachedFiles
		 (id, fileType, uuid, compressedSize, uncompressedSize, compressionType,
		  compressedHash, uncompressedHash, revision)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, int(attachment.Type), attachment.UUID,
		attachment.CompressedSize, attachment.UncompressedSize,
		int(attachment.Compression),
		attachment.CompressedHash, attachment.UncompressedHash, revision,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	return t.updateTotalSizes(attachment.CompressedSize, attachment.UncompressedSize)
}

// DeleteAttachment removes one attachment row, emits the deleted-attachment
// event and decrements the cached totals.
func (t *Transaction) DeleteAttachment(id int64, attachmentType models.AttachmentType) error {
	if err := t.writable(); err != nil {
		return err
	}

	attachment, _, err := t.LookupAttachment(id, attachmentType)
	if err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`DELETE FROM AttachedFiles WHERE id = ? AND fileType = ?`,
		id, int(attachmentType)); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	t.events = append(t.events, event{kind: eventAttachmentDeleted, attachment: attachment})

	return t.updateTotalSizes(-attachment.CompressedSize, -attachment.UncompressedSize)
}

// ListAvailableAttachments returns the attachment types present on a
// resource.
func (t *Transaction) ListAvailableAttachments(id int64) ([]models.AttachmentType, error) {
	rows, err := t.tx.Query(
		`SELECT fileType FROM AttachedFiles WHERE id = ? ORDER BY fileType`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var types []models.AttachmentType
	for rows.Next() {
		var fileType int
		if err := rows.Scan(&fileType); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		types = append(types, models.AttachmentType(fileType))
	}
	return types, rows.Err()
}

// ListAttachments returns the full attachment rows of a resource.
func (t *Transaction) ListAttachments(id int64) ([]models.Attachment, error) {
	rows, err := t.tx.Query(
		`SELECT fileType, uuid, compressedSize, uncompressedSize, compressionType,
		        compressedHash, uncompressedHash
		 FROM AttachedFiles WHERE id = ? ORDER BY fileType`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var attachments []models.Attachment
	for rows.Next() {
		var (
			a        models.Attachment
			fileType int
			kind     int
		)
		if err := rows.Scan(&fileType, &a.UUID, &a.CompressedSize,
			&a.UncompressedSize, &kind, &a.CompressedHash, &a.UncompressedHash); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		a.Type = models.AttachmentType(fileType)
		a.Compression = models.CompressionType(kind)
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// LookupAttachment returns one attachment and its revision.
func (t *Transaction) LookupAttachment(id int64, attachmentType models.AttachmentType) (models.Attachment, int64, error) {
	var (
		a        models.Attachment
		kind     int
		revision int64
	)
	err := t.tx.QueryRow(
		`SELECT uuid, compressedSize, uncompressedSize, compressionType,
		        compressedHash, uncompressedHash, revision
		 FROM AttachedFiles WHERE id = ? AND fileType = ?`,
		id, int(attachmentType),
	).Scan(&a.UUID, &a.CompressedSize, &a.UncompressedSize, &kind,
		&a.CompressedHash, &a.UncompressedHash, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attachment{}, 0, ErrUnknownAttachment
	}
	if err != nil {
		return models.Attachment{}, 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	a.Type = attachmentType
	a.Compression = models.CompressionType(kind)
	return a, revision, nil
}
