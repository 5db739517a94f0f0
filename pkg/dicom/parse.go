package dicom

import (
	"bytes"
	"fmt"

	suyash "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/models"
)

// Summary is everything the index needs from one encoded instance: the
// four identifiers and the tag values at every level of the hierarchy.
type Summary struct {
	PatientID      string
	StudyUID       string
	SeriesUID      string
	SOPInstanceUID string
	SOPClassUID    string
	Tags           Map
}

// PublicID returns the public id of the resource at the given level.
func (s *Summary) PublicID(level models.ResourceType) string {
	switch level {
	case models.ResourcePatient:
		return HashPatient(s.PatientID)
	case models.ResourceStudy:
		return HashStudy(s.PatientID, s.StudyUID)
	case models.ResourceSeries:
		return HashSeries(s.PatientID, s.StudyUID, s.SeriesUID)
	default:
		return HashInstance(s.PatientID, s.StudyUID, s.SeriesUID, s.SOPInstanceUID)
	}
}

// ParseSummary decodes a DICOM file and extracts the identifier and main
// tags. Files missing StudyInstanceUID, SeriesInstanceUID or
// SOPInstanceUID are rejected with BadFileFormat. A missing PatientID is
// tolerated (anonymized files) and hashes to the empty-string patient.
func ParseSummary(data []byte) (*Summary, error) {
	dataset, err := suyash.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeBadFileFormat, err)
	}

	summary := &Summary{Tags: make(Map)}
	for level := models.ResourcePatient; level <= models.ResourceInstance; level++ {
		for _, t := range MainTags(level) {
			if value, ok := elementString(&dataset, t); ok {
				summary.Tags[t] = value
			}
		}
		for _, t := range IdentifierTags(level) {
			if value, ok := elementString(&dataset, t); ok {
				summary.Tags[t] = value
			}
		}
	}

	summary.PatientID = summary.Tags.Get(TagPatientID)
	summary.StudyUID = summary.Tags.Get(TagStudyInstanceUID)
	summary.SeriesUID = summary.Tags.Get(TagSeriesInstanceUID)
	summary.SOPInstanceUID = summary.Tags.Get(TagSOPInstanceUID)
	summary.SOPClassUID = summary.Tags.Get(TagSOPClassUID)

	if summary.StudyUID == "" || summary.SeriesUID == "" || summary.SOPInstanceUID == "" {
		return nil, cerrors.New(cerrors.CodeBadFileFormat,
			"missing StudyInstanceUID, SeriesInstanceUID or SOPInstanceUID")
	}

	return summary, nil
}

// elementString reads one attribute as a string, tolerating absent tags
// and non-string value representations.
func elementString(dataset *suyash.Dataset, t Tag) (string, bool) {
	element, err := dataset.FindElementByTag(tag.Tag{Group: t.Group, Element: t.Element})
	if err != nil || element == nil {
		return "", false
	}

	switch v := element.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return "", false
		}
		return v[0], true
	case string:
		return v, true
	case []int:
		if len(v) == 0 {
			return "", false
		}
		return fmt.Sprintf("%d", v[0]), true
	default:
		return "", false
	}
}
