package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pacsd/pkg/models"
)

func TestTagString(t *testing.T) {
	assert.Equal(t, "00100020", TagPatientID.String())
	assert.Equal(t, "0020000d", TagStudyInstanceUID.String())
}

func TestHashesAreStableAndDistinct(t *testing.T) {
	patient := HashPatient("P001")
	study := HashStudy("P001", "1.2.3")
	series := HashSeries("P001", "1.2.3", "1.2.3.4")
	instance := HashInstance("P001", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	for _, id := range []string{patient, study, series, instance} {
		assert.Len(t, id, 40)
	}

	assert.NotEqual(t, patient, study)
	assert.NotEqual(t, study, series)
	assert.NotEqual(t, series, instance)

	// Deterministic across calls.
	assert.Equal(t, patient, HashPatient("P001"))
}

func TestHashSeparatorPreventsCollisions(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not hash to the same study.
	assert.NotEqual(t, HashStudy("ab", "c"), HashStudy("a", "bc"))
}

func TestSummaryPublicID(t *testing.T) {
	s := &Summary{
		PatientID:      "P001",
		StudyUID:       "1.2.3",
		SeriesUID:      "1.2.3.4",
		SOPInstanceUID: "1.2.3.4.5",
	}

	assert.Equal(t, HashPatient("P001"), s.PublicID(models.ResourcePatient))
	assert.Equal(t, HashStudy("P001", "1.2.3"), s.PublicID(models.ResourceStudy))
	assert.Equal(t, HashSeries("P001", "1.2.3", "1.2.3.4"), s.PublicID(models.ResourceSeries))
	assert.Equal(t, HashInstance("P001", "1.2.3", "1.2.3.4", "1.2.3.4.5"), s.PublicID(models.ResourceInstance))
}

func TestIdentifierTagsPerLevel(t *testing.T) {
	assert.True(t, IsIdentifier(models.ResourceStudy, TagStudyInstanceUID))
	assert.True(t, IsIdentifier(models.ResourceStudy, TagPatientName))
	assert.False(t, IsIdentifier(models.ResourceSeries, TagPatientName))
	assert.True(t, IsIdentifier(models.ResourceInstance, TagSOPInstanceUID))
}

func TestMapSubsetAndJSON(t *testing.T) {
	m := Map{
		TagPatientID:   "P001",
		TagPatientName: "Smith^John",
		TagModality:    "CT",
	}

	subset := m.Subset([]Tag{TagPatientID, TagStudyDate})
	assert.Equal(t, Map{TagPatientID: "P001"}, subset)

	asJSON := m.ToJSON()
	assert.Equal(t, "Smith^John", asJSON["00100010"])
	assert.Len(t, asJSON, 3)
}

func TestSortedTags(t *testing.T) {
	m := Map{
		TagModality:  "CT",
		TagPatientID: "P001",
		TagStudyDate: "20240101",
	}

	tags := m.SortedTags()
	assert.Equal(t, []Tag{TagStudyDate, TagModality, TagPatientID}, tags)
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "SMITH^JOHN", NormalizeIdentifier("  Smith^John "))
	assert.Equal(t, "", NormalizeIdentifier("   "))
}
