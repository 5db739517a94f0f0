package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"pacsd/pkg/models"
)

// fakeArea records removals and can simulate failures
type fakeArea struct {
	mu      sync.Mutex
	removed []string
	fail    error
}

func (a *fakeArea) Create(uuid string, data []byte) error { return nil }
func (a *fakeArea) Read(uuid string) ([]byte, error)      { return nil, BlobNotFoundError{UUID: uuid} }

func (a *fakeArea) Remove(uuid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.removed = append(a.removed, uuid)
	return nil
}

func (a *fakeArea) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.removed...)
}

// PrunerTestSuite tests the listener-driven blob reclamation
type PrunerTestSuite struct {
	suite.Suite

	area   *fakeArea
	pruner *Pruner
}

// SetupTest wires a pruner over a fake area
func (s *PrunerTestSuite) SetupTest() {
	s.area = &fakeArea{}
	s.pruner = NewPruner(s.area)
}

// TearDownTest stops the background goroutine
func (s *PrunerTestSuite) TearDownTest() {
	s.pruner.Close()
}

// TestAttachmentDeletedRemovesBlob tests the happy path, in order
func (s *PrunerTestSuite) TestAttachmentDeletedRemovesBlob() {
	s.pruner.SignalAttachmentDeleted(models.Attachment{UUID: "blob-1"})
	s.pruner.SignalAttachmentDeleted(models.Attachment{UUID: "blob-2"})
	s.pruner.Flush()
	s.Equal([]string{"blob-1", "blob-2"}, s.area.snapshot())
}

// TestRemoveFailureIsSwallowed tests that a failing removal does not
// wedge the queue
func (s *PrunerTestSuite) TestRemoveFailureIsSwallowed() {
	s.area.fail = BlobNotFoundError{UUID: "gone"}
	s.pruner.SignalAttachmentDeleted(models.Attachment{UUID: "gone"})
	s.NotPanics(func() { s.pruner.Flush() })
}

// TestCloseDrainsTheQueue tests that shutdown applies pending removals
func (s *PrunerTestSuite) TestCloseDrainsTheQueue() {
	area := &fakeArea{}
	pruner := NewPruner(area)
	for _, uuid := range []string{"a", "b", "c"} {
		pruner.SignalAttachmentDeleted(models.Attachment{UUID: uuid})
	}
	pruner.Close()
	s.Equal([]string{"a", "b", "c"}, area.snapshot())
}

// TestResourceSignalsAreNoOps tests the remaining listener methods
func (s *PrunerTestSuite) TestResourceSignalsAreNoOps() {
	s.NotPanics(func() {
		s.pruner.SignalResourceDeleted(models.ResourceStudy, "S")
		s.pruner.SignalRemainingAncestor(models.ResourcePatient, "P")
	})
	s.pruner.Flush()
	s.Empty(s.area.snapshot())
}

func TestPrunerTestSuite(t *testing.T) {
	suite.Run(t, new(PrunerTestSuite))
}
