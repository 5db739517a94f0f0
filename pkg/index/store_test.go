package index

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/dicom"
	"pacsd/pkg/models"
)

// recordedEvent is one listener callback flattened for assertions.
type recordedEvent struct {
	kind     string
	rtype    models.ResourceType
	publicID string
	uuid     string
	size     int64
}

// recordingListener collects committed deletion events in order.
type recordingListener struct {
	events []recordedEvent
}

func (l *recordingListener) SignalAttachmentDeleted(a models.Attachment) {
	l.events = append(l.events, recordedEvent{
		kind: "attachment", uuid: a.UUID, size: a.CompressedSize,
	})
}

func (l *recordingListener) SignalResourceDeleted(rtype models.ResourceType, publicID string) {
	l.events = append(l.events, recordedEvent{
		kind: "resource", rtype: rtype, publicID: publicID,
	})
}

func (l *recordingListener) SignalRemainingAncestor(rtype models.ResourceType, publicID string) {
	l.events = append(l.events, recordedEvent{
		kind: "ancestor", rtype: rtype, publicID: publicID,
	})
}

// IndexTestSuite exercises the store against a fresh database per test
type IndexTestSuite struct {
	suite.Suite

	store    *Store
	listener *recordingListener
}

// SetupTest opens a fresh database before each test method
func (s *IndexTestSuite) SetupTest() {
	store, err := Open(filepath.Join(s.T().TempDir(), "index.db"))
	s.Require().NoError(err)

	s.store = store
	s.listener = &recordingListener{}
	store.SetListener(s.listener)
}

// TearDownTest closes the database after each test method
func (s *IndexTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

// begin opens a transaction or fails the test
func (s *IndexTestSuite) begin(mode Mode) *Transaction {
	tx, err := s.store.Begin(mode)
	s.Require().NoError(err)
	return tx
}

// commit commits or fails the test
func (s *IndexTestSuite) commit(tx *Transaction) {
	s.Require().NoError(tx.Commit())
}

// seedInstance creates the full chain with an attachment on the instance
func (s *IndexTestSuite) seedInstance(tx *Transaction, patient, study, series, instance string, attachment *models.Attachment) *CreateInstanceResult {
	result, err := tx.CreateInstance(patient, study, series, instance)
	s.Require().NoError(err)
	if attachment != nil {
		s.Require().NoError(tx.AddAttachment(result.InstanceID, *attachment, 0))
	}
	return result
}

// TestOpenSeedsSchemaVersion verifies the version handshake on a fresh file
func (s *IndexTestSuite) TestOpenSeedsSchemaVersion() {
	tx := s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()

	value, err := tx.LookupGlobalProperty(propertyDatabaseSchemaVersion)
	s.Require().NoError(err)
	s.Equal(fmt.Sprintf("%d", schemaVersion), value)
}

// TestOpenRefusesNewerSchema verifies a database from a newer server is rejected
func (s *IndexTestSuite) TestOpenRefusesNewerSchema() {
	path := filepath.Join(s.T().TempDir(), "future.db")

	store, err := Open(path)
	s.Require().NoError(err)
	tx, err := store.Begin(ReadWrite)
	s.Require().NoError(err)
	s.Require().NoError(tx.SetGlobalProperty(propertyDatabaseSchemaVersion, "999"))
	s.Require().NoError(tx.Commit())
	s.Require().NoError(store.Close())

	_, err = Open(path)
	s.Require().Error(err)
	s.Equal(cerrors.CodeIncompatibleDatabaseVersion, cerrors.CodeOf(err))
}

// TestReadOnlyRejectsWrites verifies write operations fail outside ReadWrite
func (s *IndexTestSuite) TestReadOnlyRejectsWrites() {
	tx := s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()

	_, err := tx.CreateResource("p", models.ResourcePatient)
	s.ErrorIs(err, ErrReadOnly)
	s.ErrorIs(tx.AddLabel(1, "x"), ErrReadOnly)
	s.ErrorIs(tx.ClearChanges(), ErrReadOnly)
}

// TestCreateInstanceHierarchy verifies the ingest fast-path creates only missing levels
func (s *IndexTestSuite) TestCreateInstanceHierarchy() {
	tx := s.begin(ReadWrite)

	first, err := tx.CreateInstance("P", "S", "Se", "I1")
	s.Require().NoError(err)
	s.True(first.IsNewPatient)
	s.True(first.IsNewStudy)
	s.True(first.IsNewSeries)

	second, err := tx.CreateInstance("P", "S", "Se", "I2")
	s.Require().NoError(err)
	s.False(second.IsNewPatient)
	s.False(second.IsNewStudy)
	s.False(second.IsNewSeries)
	s.Equal(first.SeriesID, second.SeriesID)

	id, rtype, parent, err := tx.LookupResourceAndParent("I2")
	s.Require().NoError(err)
	s.Equal(second.InstanceID, id)
	s.Equal(models.ResourceInstance, rtype)
	s.Equal("Se", parent)

	children, err := tx.GetChildrenPublicID(first.SeriesID)
	s.Require().NoError(err)
	s.Equal([]string{"I1", "I2"}, children)

	s.commit(tx)
}

// TestLookupUnknownResource verifies the sentinel for missing public ids
func (s *IndexTestSuite) TestLookupUnknownResource() {
	tx := s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()

	_, _, err := tx.LookupResource("nope")
	s.ErrorIs(err, ErrUnknownResource)
}

// TestCascadeDelete verifies the deletion event protocol on a full chain
func (s *IndexTestSuite) TestCascadeDelete() {
	tx := s.begin(ReadWrite)
	result := s.seedInstance(tx, "P", "S", "Se", "I", &models.Attachment{
		Type:             models.AttachmentDicom,
		UUID:             "blob-1",
		CompressedSize:   50,
		UncompressedSize: 100,
		Compression:      models.CompressionNone,
	})
	s.commit(tx)

	tx = s.begin(ReadOnly)
	before, err := tx.GetTotalCompressedSize()
	s.Require().NoError(err)
	s.Equal(int64(50), before)
	s.Require().NoError(tx.Rollback())

	tx = s.begin(ReadWrite)
	patientID, _, err := tx.LookupResource("P")
	s.Require().NoError(err)
	s.Require().NoError(tx.DeleteResource(patientID))
	s.commit(tx)

	s.Require().Len(s.listener.events, 5)
	s.Equal(recordedEvent{kind: "attachment", uuid: "blob-1", size: 50}, s.listener.events[0])
	s.Equal(recordedEvent{kind: "resource", rtype: models.ResourceInstance, publicID: "I"}, s.listener.events[1])
	s.Equal(recordedEvent{kind: "resource", rtype: models.ResourceSeries, publicID: "Se"}, s.listener.events[2])
	s.Equal(recordedEvent{kind: "resource", rtype: models.ResourceStudy, publicID: "S"}, s.listener.events[3])
	s.Equal(recordedEvent{kind: "resource", rtype: models.ResourcePatient, publicID: "P"}, s.listener.events[4])

	tx = s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()
	_, _, err = tx.LookupResource("I")
	s.ErrorIs(err, ErrUnknownResource)
	after, err := tx.GetTotalCompressedSize()
	s.Require().NoError(err)
	s.Equal(int64(0), after)
	_ = result
}

// TestDeleteSignalsRemainingAncestor verifies ancestor cleanup above the deleted node
func (s *IndexTestSuite) TestDeleteSignalsRemainingAncestor() {
	tx := s.begin(ReadWrite)
	s.seedInstance(tx, "P", "S", "Se1", "I1", nil)
	s.seedInstance(tx, "P", "S", "Se2", "I2", nil)
	s.commit(tx)

	tx = s.begin(ReadWrite)
	instanceID, _, err := tx.LookupResource("I1")
	s.Require().NoError(err)
	s.Require().NoError(tx.DeleteResource(instanceID))
	s.commit(tx)

	// I1's series becomes childless and is removed with it; the study
	// keeps Se2 and is the remaining ancestor.
	s.Require().Len(s.listener.events, 3)
	s.Equal(recordedEvent{kind: "resource", rtype: models.ResourceInstance, publicID: "I1"}, s.listener.events[0])
	s.Equal(recordedEvent{kind: "resource", rtype: models.ResourceSeries, publicID: "Se1"}, s.listener.events[1])
	s.Equal(recordedEvent{kind: "ancestor", rtype: models.ResourceStudy, publicID: "S"}, s.listener.events[2])

	tx = s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()
	_, _, err = tx.LookupResource("Se1")
	s.ErrorIs(err, ErrUnknownResource)
	_, _, err = tx.LookupResource("S")
	s.NoError(err)
}

// TestRollbackSuppressesEvents verifies no event fires without a commit
func (s *IndexTestSuite) TestRollbackSuppressesEvents() {
	tx := s.begin(ReadWrite)
	s.seedInstance(tx, "P", "S", "Se", "I", &models.Attachment{
		Type: models.AttachmentDicom, UUID: "blob-1",
		CompressedSize: 10, UncompressedSize: 10,
		Compression: models.CompressionNone,
	})
	s.commit(tx)

	tx = s.begin(ReadWrite)
	patientID, _, err := tx.LookupResource("P")
	s.Require().NoError(err)
	s.Require().NoError(tx.DeleteResource(patientID))
	s.Require().NoError(tx.Rollback())

	s.Empty(s.listener.events)

	tx = s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()
	_, _, err = tx.LookupResource("I")
	s.NoError(err)
}

// TestAttachmentLifecycle verifies add, lookup, list and delete of blobs
func (s *IndexTestSuite) TestAttachmentLifecycle() {
	tx := s.begin(ReadWrite)
	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)

	attachment := models.Attachment{
		Type:             models.AttachmentDicom,
		UUID:             "blob-7",
		CompressedSize:   30,
		UncompressedSize: 60,
		CompressedHash:   "ch",
		UncompressedHash: "uh",
		Compression:      models.CompressionZlib,
	}
	s.Require().NoError(tx.AddAttachment(id, attachment, 4))

	got, revision, err := tx.LookupAttachment(id, models.AttachmentDicom)
	s.Require().NoError(err)
	s.Equal(attachment, got)
	s.Equal(int64(4), revision)

	available, err := tx.ListAvailableAttachments(id)
	s.Require().NoError(err)
	s.Equal([]models.AttachmentType{models.AttachmentDicom}, available)

	compressed, err := tx.GetTotalCompressedSize()
	s.Require().NoError(err)
	s.Equal(int64(30), compressed)
	uncompressed, err := tx.GetTotalUncompressedSize()
	s.Require().NoError(err)
	s.Equal(int64(60), uncompressed)

	above, err := tx.IsDiskSizeAbove(29)
	s.Require().NoError(err)
	s.True(above)
	above, err = tx.IsDiskSizeAbove(30)
	s.Require().NoError(err)
	s.False(above)

	s.Require().NoError(tx.DeleteAttachment(id, models.AttachmentDicom))
	_, _, err = tx.LookupAttachment(id, models.AttachmentDicom)
	s.ErrorIs(err, ErrUnknownAttachment)

	compressed, err = tx.GetTotalCompressedSize()
	s.Require().NoError(err)
	s.Equal(int64(0), compressed)

	s.commit(tx)

	s.Require().Len(s.listener.events, 1)
	s.Equal("attachment", s.listener.events[0].kind)
	s.Equal("blob-7", s.listener.events[0].uuid)
}

// TestMetadataRevisions verifies the per-key revision counter
func (s *IndexTestSuite) TestMetadataRevisions() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)

	s.Require().NoError(tx.SetMetadata(id, models.MetadataRemoteAET, "STORESCU", 0))
	value, revision, err := tx.LookupMetadata(id, models.MetadataRemoteAET)
	s.Require().NoError(err)
	s.Equal("STORESCU", value)
	s.Equal(int64(0), revision)

	s.Require().NoError(tx.SetMetadata(id, models.MetadataRemoteAET, "MOVESCU", 0))
	value, revision, err = tx.LookupMetadata(id, models.MetadataRemoteAET)
	s.Require().NoError(err)
	s.Equal("MOVESCU", value)
	s.Equal(int64(1), revision)

	all, err := tx.GetAllMetadata(id)
	s.Require().NoError(err)
	s.Equal(map[models.MetadataType]string{models.MetadataRemoteAET: "MOVESCU"}, all)

	s.Require().NoError(tx.DeleteMetadata(id, models.MetadataRemoteAET))
	_, _, err = tx.LookupMetadata(id, models.MetadataRemoteAET)
	s.ErrorIs(err, ErrUnknownMetadata)
}

// TestChildrenMetadata verifies collection across one hierarchy level
func (s *IndexTestSuite) TestChildrenMetadata() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	result := s.seedInstance(tx, "P", "S", "Se", "I1", nil)
	second, err := tx.CreateInstance("P", "S", "Se", "I2")
	s.Require().NoError(err)

	s.Require().NoError(tx.SetMetadata(result.InstanceID, models.MetadataTransferSyntax, "1.2.840.10008.1.2", 0))
	s.Require().NoError(tx.SetMetadata(second.InstanceID, models.MetadataTransferSyntax, "1.2.840.10008.1.2.1", 0))

	values, err := tx.GetChildrenMetadata(result.SeriesID, models.MetadataTransferSyntax)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"}, values)
}

// TestRecyclingOrder verifies LRU selection, tagging and protection
func (s *IndexTestSuite) TestRecyclingOrder() {
	tx := s.begin(ReadWrite)
	s.seedInstance(tx, "A", "SA", "SeA", "IA", nil)
	s.seedInstance(tx, "B", "SB", "SeB", "IB", nil)
	s.seedInstance(tx, "C", "SC", "SeC", "IC", nil)
	s.commit(tx)

	tx = s.begin(ReadWrite)
	defer s.commit(tx)

	idA, _, err := tx.LookupResource("A")
	s.Require().NoError(err)
	idB, _, err := tx.LookupResource("B")
	s.Require().NoError(err)
	idC, _, err := tx.LookupResource("C")
	s.Require().NoError(err)

	candidate, found, err := tx.SelectPatientToRecycle(0)
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal(idA, candidate)

	s.Require().NoError(tx.TagMostRecentPatient(idA))

	candidate, found, err = tx.SelectPatientToRecycle(0)
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal(idB, candidate)

	s.Require().NoError(tx.SetProtectedPatient(idB, true))

	candidate, found, err = tx.SelectPatientToRecycle(0)
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal(idC, candidate)

	// avoid parameter skips the head of the queue
	candidate, found, err = tx.SelectPatientToRecycle(idC)
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal(idA, candidate)
}

// TestPatientProtection verifies the protection and recycling-order equivalence
func (s *IndexTestSuite) TestPatientProtection() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)

	protected, err := tx.IsProtectedPatient(id)
	s.Require().NoError(err)
	s.False(protected)

	s.Require().NoError(tx.SetProtectedPatient(id, true))
	s.Require().NoError(tx.SetProtectedPatient(id, true))
	protected, err = tx.IsProtectedPatient(id)
	s.Require().NoError(err)
	s.True(protected)

	_, found, err := tx.SelectPatientToRecycle(0)
	s.Require().NoError(err)
	s.False(found)

	s.Require().NoError(tx.SetProtectedPatient(id, false))
	protected, err = tx.IsProtectedPatient(id)
	s.Require().NoError(err)
	s.False(protected)
}

// TestChangeFeedPaging verifies the done flag and windowing of GetChanges
func (s *IndexTestSuite) TestChangeFeedPaging() {
	tx := s.begin(ReadWrite)
	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)
	for i := 0; i < 10; i++ {
		s.Require().NoError(tx.LogChange(models.ChangeNewInstance, id,
			models.ResourcePatient, fmt.Sprintf("2026-08-23T10:00:%02d", i)))
	}
	s.commit(tx)

	tx = s.begin(ReadOnly)
	defer func() { _ = tx.Rollback() }()

	changes, done, err := tx.GetChanges(0, 3)
	s.Require().NoError(err)
	s.False(done)
	s.Require().Len(changes, 3)
	s.Equal(int64(1), changes[0].Seq)
	s.Equal(int64(3), changes[2].Seq)
	s.Equal("P", changes[0].PublicID)

	changes, done, err = tx.GetChanges(7, 100)
	s.Require().NoError(err)
	s.True(done)
	s.Require().Len(changes, 3)
	s.Equal(int64(8), changes[0].Seq)
	s.Equal(int64(10), changes[2].Seq)

	last, found, err := tx.GetLastChange()
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal(int64(10), last.Seq)
}

// TestChangeIndexSurvivesClear verifies sequence numbers keep increasing after truncation
func (s *IndexTestSuite) TestChangeIndexSurvivesClear() {
	tx := s.begin(ReadWrite)
	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		s.Require().NoError(tx.LogChange(models.ChangeNewPatient, id,
			models.ResourcePatient, "2026-08-23T10:00:00"))
	}

	index, err := tx.GetLastChangeIndex()
	s.Require().NoError(err)
	s.Equal(int64(3), index)

	s.Require().NoError(tx.ClearChanges())
	index, err = tx.GetLastChangeIndex()
	s.Require().NoError(err)
	s.Equal(int64(3), index)

	_, found, err := tx.GetLastChange()
	s.Require().NoError(err)
	s.False(found)

	s.Require().NoError(tx.LogChange(models.ChangeNewPatient, id,
		models.ResourcePatient, "2026-08-23T10:00:01"))
	index, err = tx.GetLastChangeIndex()
	s.Require().NoError(err)
	s.Equal(int64(4), index)

	s.commit(tx)
}

// TestExportedResourcesFeed verifies the exported log mirrors the change feed
func (s *IndexTestSuite) TestExportedResourcesFeed() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	for i := 0; i < 5; i++ {
		s.Require().NoError(tx.LogExportedResource(models.ExportedResource{
			ResourceType:   models.ResourceStudy,
			PublicID:       fmt.Sprintf("study-%d", i),
			Modality:       "PACS2",
			PatientID:      "P1",
			StudyUID:       "1.2.3",
			SeriesUID:      "",
			SOPInstanceUID: "",
			Date:           "2026-08-23T11:00:00",
		}))
	}

	exported, done, err := tx.GetExportedResources(0, 2)
	s.Require().NoError(err)
	s.False(done)
	s.Require().Len(exported, 2)
	s.Equal("study-0", exported[0].PublicID)
	s.Equal("PACS2", exported[0].Modality)

	exported, done, err = tx.GetExportedResources(2, 100)
	s.Require().NoError(err)
	s.True(done)
	s.Len(exported, 3)

	s.Require().NoError(tx.ClearExportedResources())
	exported, done, err = tx.GetExportedResources(0, 100)
	s.Require().NoError(err)
	s.True(done)
	s.Empty(exported)
}

// TestMainTagsAndIdentifiers verifies the two tag stores stay independent
func (s *IndexTestSuite) TestMainTagsAndIdentifiers() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)

	s.Require().NoError(tx.SetMainDicomTag(id, dicom.TagPatientName, "Smith^John"))
	s.Require().NoError(tx.SetIdentifierTag(id, dicom.TagPatientName, "Smith^John"))

	tags, err := tx.GetMainDicomTags(id)
	s.Require().NoError(err)
	s.Equal("Smith^John", tags[dicom.TagPatientName])

	s.Require().NoError(tx.ClearMainDicomTags(id))
	tags, err = tx.GetMainDicomTags(id)
	s.Require().NoError(err)
	s.Empty(tags)

	// the identifier index is cleared separately
	results, err := tx.LookupResources([]Constraint{{
		Level:        models.ResourcePatient,
		Tag:          dicom.TagPatientName,
		IsIdentifier: true,
		Mandatory:    true,
		Kind:         ConstraintEqual,
		Values:       []string{"smith^john"},
	}}, models.ResourcePatient, nil, LabelsAny, 10, false)
	s.Require().NoError(err)
	s.Len(results, 1)

	s.Require().NoError(tx.ClearDicomIdentifiers(id))
	results, err = tx.LookupResources([]Constraint{{
		Level:        models.ResourcePatient,
		Tag:          dicom.TagPatientName,
		IsIdentifier: true,
		Mandatory:    true,
		Kind:         ConstraintEqual,
		Values:       []string{"smith^john"},
	}}, models.ResourcePatient, nil, LabelsAny, 10, false)
	s.Require().NoError(err)
	s.Empty(results)
}

// TestLabels verifies add, remove and listing of resource labels
func (s *IndexTestSuite) TestLabels() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	id, err := tx.CreateResource("P", models.ResourcePatient)
	s.Require().NoError(err)

	s.Require().NoError(tx.AddLabel(id, "urgent"))
	s.Require().NoError(tx.AddLabel(id, "archive"))
	s.Require().NoError(tx.AddLabel(id, "urgent"))

	labels, err := tx.ListLabels(id)
	s.Require().NoError(err)
	s.Equal([]string{"archive", "urgent"}, labels)

	s.Require().NoError(tx.RemoveLabel(id, "urgent"))
	s.Require().NoError(tx.RemoveLabel(id, "missing"))
	labels, err = tx.ListLabels(id)
	s.Require().NoError(err)
	s.Equal([]string{"archive"}, labels)
}

// TestGlobalProperties verifies the property map
func (s *IndexTestSuite) TestGlobalProperties() {
	tx := s.begin(ReadWrite)
	defer s.commit(tx)

	_, err := tx.LookupGlobalProperty(PropertyJobsRegistry)
	s.ErrorIs(err, ErrUnknownProperty)

	s.Require().NoError(tx.SetGlobalProperty(PropertyJobsRegistry, `{"Jobs":{}}`))
	value, err := tx.LookupGlobalProperty(PropertyJobsRegistry)
	s.Require().NoError(err)
	s.Equal(`{"Jobs":{}}`, value)

	s.Require().NoError(tx.SetGlobalProperty(PropertyJobsRegistry, `{}`))
	value, err = tx.LookupGlobalProperty(PropertyJobsRegistry)
	s.Require().NoError(err)
	s.Equal(`{}`, value)
}

// TestDoneTransactionRefused verifies API misuse after commit
func (s *IndexTestSuite) TestDoneTransactionRefused() {
	tx := s.begin(ReadWrite)
	s.commit(tx)

	s.ErrorIs(tx.Commit(), ErrDone)
	s.ErrorIs(tx.Rollback(), ErrDone)
	_, err := tx.CreateResource("P", models.ResourcePatient)
	s.True(errors.Is(err, ErrDone))
}

func TestIndexTestSuite(t *testing.T) {
	suite.Run(t, new(IndexTestSuite))
}
