// Package archive ties the index, the storage area and the jobs engine
// together. It owns the ingest path of encoded DICOM files, resource
// deletion, the patient recycler enforcing the storage quota, and the
// persistence of the jobs registry snapshot.
package archive

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	guuid "github.com/google/uuid"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/dicom"
	"pacsd/pkg/index"
	"pacsd/pkg/log"
	"pacsd/pkg/models"
	"pacsd/pkg/storage"
)

// Service is the archive facade used by the REST layer and the built-in
// jobs.
type Service struct {
	store *index.Store
	area  storage.Area

	// maxStorageSize caps the compressed bytes kept on disk; zero
	// disables recycling.
	maxStorageSize int64
}

// NewService builds the archive over an open index and a storage area.
func NewService(store *index.Store, area storage.Area, maxStorageSize int64) *Service {
	return &Service{store: store, area: area, maxStorageSize: maxStorageSize}
}

// StoreStatus tells what an ingest did.
type StoreStatus int

const (
	StoreSuccess StoreStatus = iota
	StoreAlreadyStored
)

// String returns the wire name of the status.
func (s StoreStatus) String() string {
	if s == StoreAlreadyStored {
		return "AlreadyStored"
	}
	return "Success"
}

// StoreResult reports the public ids touched by one ingest.
type StoreResult struct {
	Status     StoreStatus `json:"Status"`
	InstanceID string      `json:"ID"`
	PatientID  string      `json:"ParentPatient"`
	StudyID    string      `json:"ParentStudy"`
	SeriesID   string      `json:"ParentSeries"`
}

const dateFormat = "20060102T150405"

func nowString() string {
	return time.Now().UTC().Format(dateFormat)
}

// Store parses one encoded DICOM file and ingests it.
func (s *Service) Store(data []byte, remoteAET string) (*StoreResult, error) {
	summary, err := dicom.ParseSummary(data)
	if err != nil {
		return nil, err
	}
	return s.StoreParsed(summary, data, remoteAET)
}

// StoreParsed ingests an instance whose headers were already extracted.
// The blob is written to the storage area first, then the index
// transaction records the hierarchy, tags, attachment, metadata and
// changes; a failed transaction removes the blob again. Re-ingesting an
// instance already present reports AlreadyStored and changes nothing.
func (s *Service) StoreParsed(summary *dicom.Summary, data []byte, remoteAET string) (*StoreResult, error) {
	result := &StoreResult{
		Status:     StoreSuccess,
		InstanceID: summary.PublicID(models.ResourceInstance),
		PatientID:  summary.PublicID(models.ResourcePatient),
		StudyID:    summary.PublicID(models.ResourceStudy),
		SeriesID:   summary.PublicID(models.ResourceSeries),
	}

	blobUUID := guuid.NewString()
	if err := s.area.Create(blobUUID, data); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(index.ReadWrite)
	if err != nil {
		_ = s.area.Remove(blobUUID)
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			_ = s.area.Remove(blobUUID)
		}
	}()

	if _, _, err := tx.LookupResource(result.InstanceID); err == nil {
		result.Status = StoreAlreadyStored
		log.Debug().Str("instance", result.InstanceID).Msg("Instance already stored")
		return result, nil
	} else if !errors.Is(err, index.ErrUnknownResource) {
		return nil, err
	}

	created, err := tx.CreateInstance(result.PatientID, result.StudyID,
		result.SeriesID, result.InstanceID)
	if err != nil {
		return nil, err
	}

	now := nowString()

	levels := []struct {
		id    int64
		level models.ResourceType
		isNew bool
	}{
		{created.PatientID, models.ResourcePatient, created.IsNewPatient},
		{created.StudyID, models.ResourceStudy, created.IsNewStudy},
		{created.SeriesID, models.ResourceSeries, created.IsNewSeries},
		{created.InstanceID, models.ResourceInstance, true},
	}

	for _, l := range levels {
		if l.isNew {
			for tag, value := range summary.Tags.Subset(dicom.MainTags(l.level)) {
				if err := tx.SetMainDicomTag(l.id, tag, value); err != nil {
					return nil, err
				}
			}
			for tag, value := range summary.Tags.Subset(dicom.IdentifierTags(l.level)) {
				if err := tx.SetIdentifierTag(l.id, tag, value); err != nil {
					return nil, err
				}
			}
		}
		if err := tx.SetMetadata(l.id, models.MetadataLastUpdate, now, 0); err != nil {
			return nil, err
		}
	}

	digest := md5.Sum(data) //nolint:gosec // content fingerprint, not a credential
	hash := hex.EncodeToString(digest[:])
	attachment := models.Attachment{
		Type:             models.AttachmentDicom,
		UUID:             blobUUID,
		CompressedSize:   int64(len(data)),
		UncompressedSize: int64(len(data)),
		CompressedHash:   hash,
		UncompressedHash: hash,
		Compression:      models.CompressionNone,
	}
	if err := tx.AddAttachment(created.InstanceID, attachment, 0); err != nil {
		return nil, err
	}

	if err := tx.SetMetadata(created.InstanceID, models.MetadataReceptionDate, now, 0); err != nil {
		return nil, err
	}
	if remoteAET != "" {
		if err := tx.SetMetadata(created.InstanceID, models.MetadataRemoteAET, remoteAET, 0); err != nil {
			return nil, err
		}
	}
	if summary.SOPClassUID != "" {
		if err := tx.SetMetadata(created.InstanceID, models.MetadataSopClassUID, summary.SOPClassUID, 0); err != nil {
			return nil, err
		}
	}

	if err := tx.LogChange(models.ChangeNewInstance, created.InstanceID, models.ResourceInstance, now); err != nil {
		return nil, err
	}
	if created.IsNewSeries {
		if err := tx.LogChange(models.ChangeNewSeries, created.SeriesID, models.ResourceSeries, now); err != nil {
			return nil, err
		}
	}
	if created.IsNewStudy {
		if err := tx.LogChange(models.ChangeNewStudy, created.StudyID, models.ResourceStudy, now); err != nil {
			return nil, err
		}
	}
	if created.IsNewPatient {
		if err := tx.LogChange(models.ChangeNewPatient, created.PatientID, models.ResourcePatient, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	log.Info().Str("instance", result.InstanceID).Int("size", len(data)).
		Str("from", remoteAET).Msg("Instance stored")

	if s.maxStorageSize > 0 {
		if err := s.recycle(created.PatientID); err != nil {
			log.Warn().Err(err).Msg("Patient recycling failed")
		}
	}

	return result, nil
}

// recycle evicts the least recently used unprotected patients until the
// stored bytes fit under the quota, never touching avoidID.
func (s *Service) recycle(avoidID int64) error {
	for {
		tx, err := s.store.Begin(index.ReadWrite)
		if err != nil {
			return err
		}

		above, err := tx.IsDiskSizeAbove(s.maxStorageSize)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if !above {
			return tx.Rollback()
		}

		patientID, found, err := tx.SelectPatientToRecycle(avoidID)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if !found {
			log.Warn().Int64("quota", s.maxStorageSize).Msg("Storage quota exceeded but nothing is recyclable")
			return tx.Rollback()
		}

		publicID, err := tx.GetPublicID(patientID)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.LogChange(models.ChangeDeleted, patientID, models.ResourcePatient, nowString()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.DeleteResource(patientID); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		log.Info().Str("patient", publicID).Msg("Patient recycled")
	}
}

// Delete removes one resource and its whole subtree, whatever its level.
func (s *Service) Delete(publicID string) error {
	tx, err := s.store.Begin(index.ReadWrite)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	id, resourceType, err := tx.LookupResource(publicID)
	if errors.Is(err, index.ErrUnknownResource) {
		return cerrors.Newf(cerrors.CodeUnknownResource, "no such resource %q", publicID)
	}
	if err != nil {
		return err
	}

	if err := tx.LogChange(models.ChangeDeleted, id, resourceType, nowString()); err != nil {
		return err
	}
	if err := tx.DeleteResource(id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	log.Info().Str("resource", publicID).Str("level", resourceType.String()).Msg("Resource deleted")
	return nil
}

// ReadInstance returns the encoded DICOM bytes of one instance.
func (s *Service) ReadInstance(publicID string) ([]byte, error) {
	tx, err := s.store.Begin(index.ReadOnly)
	if err != nil {
		return nil, err
	}

	id, resourceType, err := tx.LookupResource(publicID)
	if errors.Is(err, index.ErrUnknownResource) {
		_ = tx.Rollback()
		return nil, cerrors.Newf(cerrors.CodeUnknownResource, "no such resource %q", publicID)
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if resourceType != models.ResourceInstance {
		_ = tx.Rollback()
		return nil, cerrors.Newf(cerrors.CodeBadRequest, "%q is a %s, not an instance",
			publicID, resourceType)
	}

	attachment, _, err := tx.LookupAttachment(id, models.AttachmentDicom)
	if errors.Is(err, index.ErrUnknownAttachment) {
		_ = tx.Rollback()
		return nil, cerrors.Newf(cerrors.CodeInexistentFile, "instance %q has no DICOM attachment", publicID)
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Rollback(); err != nil {
		return nil, err
	}

	return s.area.Read(attachment.UUID)
}

// Statistics is the aggregate view answered by GET /statistics.
type Statistics struct {
	CountPatients         int64 `json:"CountPatients"`
	CountStudies          int64 `json:"CountStudies"`
	CountSeries           int64 `json:"CountSeries"`
	CountInstances        int64 `json:"CountInstances"`
	TotalDiskSize         int64 `json:"TotalDiskSize"`
	TotalUncompressedSize int64 `json:"TotalUncompressedSize"`
}

// Statistics counts the resources per level and reads the cached size
// totals.
func (s *Service) Statistics() (Statistics, error) {
	tx, err := s.store.Begin(index.ReadOnly)
	if err != nil {
		return Statistics{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var stats Statistics
	for _, c := range []struct {
		level models.ResourceType
		out   *int64
	}{
		{models.ResourcePatient, &stats.CountPatients},
		{models.ResourceStudy, &stats.CountStudies},
		{models.ResourceSeries, &stats.CountSeries},
		{models.ResourceInstance, &stats.CountInstances},
	} {
		if *c.out, err = tx.CountResources(c.level); err != nil {
			return Statistics{}, err
		}
	}

	if stats.TotalDiskSize, err = tx.GetTotalCompressedSize(); err != nil {
		return Statistics{}, err
	}
	if stats.TotalUncompressedSize, err = tx.GetTotalUncompressedSize(); err != nil {
		return Statistics{}, err
	}
	return stats, nil
}

// Changes pages through the change feed.
func (s *Service) Changes(since int64, limit int) ([]models.Change, bool, error) {
	tx, err := s.store.Begin(index.ReadOnly)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()
	return tx.GetChanges(since, limit)
}

// LogExported appends one entry to the exported-resources feed. The
// built-in store jobs call it after each successful transfer.
func (s *Service) LogExported(exported models.ExportedResource) error {
	tx, err := s.store.Begin(index.ReadWrite)
	if err != nil {
		return err
	}
	if err := tx.LogExportedResource(exported); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveJobsRegistry persists one registry snapshot as a global property.
func (s *Service) SaveJobsRegistry(snapshot []byte) error {
	tx, err := s.store.Begin(index.ReadWrite)
	if err != nil {
		return err
	}
	if err := tx.SetGlobalProperty(index.PropertyJobsRegistry, string(snapshot)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LoadJobsRegistry returns the last persisted registry snapshot, or false
// when none was ever saved.
func (s *Service) LoadJobsRegistry() ([]byte, bool, error) {
	tx, err := s.store.Begin(index.ReadOnly)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	value, err := tx.LookupGlobalProperty(index.PropertyJobsRegistry)
	if errors.Is(err, index.ErrUnknownProperty) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}
