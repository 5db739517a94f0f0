package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/index"
	"pacsd/pkg/jobs"
	"pacsd/pkg/models"
	"pacsd/pkg/peers"
	"pacsd/pkg/scu"
	"pacsd/pkg/storage"
	"pacsd/pkg/storage/fs"
)

// fakeSender records C-STORE requests and can fail the first calls
type fakeSender struct {
	calls    int
	failures int
	failCode cerrors.ErrorCode
	sent     [][]byte
}

func (f *fakeSender) Store(ctx context.Context, localAET string, remote scu.RemoteModality, dicom []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return cerrors.New(f.failCode, "injected failure")
	}
	f.sent = append(f.sent, append([]byte{}, dicom...))
	return nil
}

// StoreJobsTestSuite tests the built-in transfer jobs over a real archive
type StoreJobsTestSuite struct {
	suite.Suite

	store   *index.Store
	pruner  *storage.Pruner
	service *Service
	remote  scu.RemoteModality
}

// SetupTest opens a fresh archive
func (s *StoreJobsTestSuite) SetupTest() {
	dir := s.T().TempDir()

	area, err := fs.New(filepath.Join(dir, "blobs"))
	s.Require().NoError(err)
	store, err := index.Open(filepath.Join(dir, "index.db"))
	s.Require().NoError(err)
	s.pruner = storage.NewPruner(area)
	store.SetListener(s.pruner)

	s.store = store
	s.service = NewService(store, area, 0)
	s.remote = scu.RemoteModality{AET: "REMOTE01", Host: "127.0.0.1", Port: 104}
}

// TearDownTest closes the index and the pruner
func (s *StoreJobsTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
	s.pruner.Close()
}

// storeInstance ingests one fake instance and returns its public id
func (s *StoreJobsTestSuite) storeInstance(sop string, data []byte) string {
	summary := makeSummary("P001", "1.2.3", "1.2.3.4", sop)
	result, err := s.service.StoreParsed(summary, data, "")
	s.Require().NoError(err)
	return result.InstanceID
}

// runToCompletion steps the job until it leaves Continue
func (s *StoreJobsTestSuite) runToCompletion(job jobs.Job) jobs.StepResult {
	job.Start()
	for {
		result := job.Step("job-1")
		if result.Code != jobs.StepContinue {
			return result
		}
	}
}

// exportedEntries reads back the exported-resources feed
func (s *StoreJobsTestSuite) exportedEntries() []models.ExportedResource {
	tx, err := s.store.Begin(index.ReadOnly)
	s.Require().NoError(err)
	defer func() { _ = tx.Rollback() }()

	exported, done, err := tx.GetExportedResources(0, 100)
	s.Require().NoError(err)
	s.True(done)
	return exported
}

// TestDicomStoreJobSendsInstances tests the happy path and the exported
// feed entries
func (s *StoreJobsTestSuite) TestDicomStoreJobSendsInstances() {
	i1 := s.storeInstance("1.2.3.4.5", []byte("blob-1"))
	i2 := s.storeInstance("1.2.3.4.6", []byte("blob-2"))

	sender := &fakeSender{}
	job, err := NewDicomStoreJob(s.service, sender, "PACSD", s.remote, []string{i1, i2})
	s.Require().NoError(err)
	s.Equal(DicomStoreJobTag, job.TypeTag())

	result := s.runToCompletion(job)
	s.Equal(jobs.StepSuccess, result.Code)
	s.Require().Len(sender.sent, 2)
	s.Equal([]byte("blob-1"), sender.sent[0])
	s.Equal([]byte("blob-2"), sender.sent[1])

	exported := s.exportedEntries()
	s.Require().Len(exported, 2)
	s.Equal("REMOTE01", exported[0].Modality)
	s.Equal(i1, exported[0].PublicID)
	s.Equal(models.ResourceInstance, exported[0].ResourceType)
}

// TestDicomStoreJobRetriesNetworkErrors tests the transient-failure
// backoff inside one step
func (s *StoreJobsTestSuite) TestDicomStoreJobRetriesNetworkErrors() {
	i1 := s.storeInstance("1.2.3.4.5", []byte("blob-1"))

	sender := &fakeSender{failures: 1, failCode: cerrors.CodeNetworkProtocol}
	job, err := NewDicomStoreJob(s.service, sender, "PACSD", s.remote, []string{i1})
	s.Require().NoError(err)

	result := s.runToCompletion(job)
	s.Equal(jobs.StepSuccess, result.Code)
	s.Equal(2, sender.calls)
}

// TestDicomStoreJobPermanentErrorFailsFast tests that non-network errors
// are not retried
func (s *StoreJobsTestSuite) TestDicomStoreJobPermanentErrorFailsFast() {
	i1 := s.storeInstance("1.2.3.4.5", []byte("blob-1"))

	sender := &fakeSender{failures: 10, failCode: cerrors.CodeUnknownResource}
	job, err := NewDicomStoreJob(s.service, sender, "PACSD", s.remote, []string{i1})
	s.Require().NoError(err)

	result := s.runToCompletion(job)
	s.Equal(jobs.StepFailure, result.Code)
	s.Equal(cerrors.CodeUnknownResource, result.FailureCode)
	s.Equal(1, sender.calls)
	s.Empty(s.exportedEntries())
}

// TestPeerStoreJob tests the HTTP transfer path
func (s *StoreJobsTestSuite) TestPeerStoreJob() {
	data := []byte("blob-1")
	i1 := s.storeInstance("1.2.3.4.5", data)

	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := peers.NewClient(2 * time.Second)
	peer := peers.Peer{Name: "other", URL: server.URL}
	job, err := NewPeerStoreJob(s.service, client, peer, []string{i1})
	s.Require().NoError(err)
	s.Equal(PeerStoreJobTag, job.TypeTag())

	result := s.runToCompletion(job)
	s.Equal(jobs.StepSuccess, result.Code)
	s.Equal(data, received)

	exported := s.exportedEntries()
	s.Require().Len(exported, 1)
	s.Equal("other", exported[0].Modality)
}

// TestDicomStoreJobSerializeResumesMidway tests that a restored job picks
// up at the next instance
func (s *StoreJobsTestSuite) TestDicomStoreJobSerializeResumesMidway() {
	i1 := s.storeInstance("1.2.3.4.5", []byte("blob-1"))
	i2 := s.storeInstance("1.2.3.4.6", []byte("blob-2"))

	sender := &fakeSender{}
	job, err := NewDicomStoreJob(s.service, sender, "PACSD", s.remote, []string{i1, i2})
	s.Require().NoError(err)

	job.Start()
	s.Equal(jobs.StepContinue, job.Step("job-1").Code)
	s.Require().Len(sender.sent, 1)

	body, ok := job.Serialize()
	s.Require().True(ok)

	fresh := &fakeSender{}
	restored, err := RestoreDicomStoreJob(body, s.service, fresh)
	s.Require().NoError(err)
	s.Equal("PACSD", restored.localAET)
	s.Equal("REMOTE01", restored.remote.AET)

	result := s.runToCompletion(restored)
	s.Equal(jobs.StepSuccess, result.Code)
	s.Require().Len(fresh.sent, 1)
	s.Equal([]byte("blob-2"), fresh.sent[0])
}

// TestRegistrySnapshotRestoresBuiltinJobs tests the full unserializer
// wiring through the registry
func (s *StoreJobsTestSuite) TestRegistrySnapshotRestoresBuiltinJobs() {
	i1 := s.storeInstance("1.2.3.4.5", []byte("blob-1"))

	sender := &fakeSender{}
	client := peers.NewClient(time.Second)

	registry := jobs.NewRegistry(0)
	RegisterBuiltinJobs(registry, s.service, client, sender)

	job, err := NewDicomStoreJob(s.service, sender, "PACSD", s.remote, []string{i1})
	s.Require().NoError(err)
	id := registry.Submit(job, 10)

	snapshot, err := registry.Serialize()
	s.Require().NoError(err)

	reloaded := jobs.NewRegistry(0)
	RegisterBuiltinJobs(reloaded, s.service, client, sender)
	s.Require().NoError(reloaded.Restore(snapshot))

	info, ok := reloaded.GetJobInfo(id)
	s.Require().True(ok)
	s.Equal(DicomStoreJobTag, info.Type)
	s.Equal("Pending", info.State)

	slot, ok := reloaded.AcquireRunningSlot(time.Second)
	s.Require().True(ok)
	s.Equal(id, slot.ID())
	result := slot.Job().Step(slot.ID())
	s.Equal(jobs.StepSuccess, result.Code)
	slot.Done(result)

	s.Require().Len(sender.sent, 1)
}

func TestStoreJobsTestSuite(t *testing.T) {
	suite.Run(t, new(StoreJobsTestSuite))
}
