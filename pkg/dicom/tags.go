// Package dicom models the small slice of the DICOM data dictionary the
// index cares about: the identifier tags used to answer searches and the
// main tags cached per resource level. Parsing of encoded files is
// delegated to github.com/suyashkumar/dicom.
package dicom

import (
	"fmt"

	"pacsd/pkg/models"
)

// Tag is a DICOM attribute address.
type Tag struct {
	Group   uint16
	Element uint16
}

// String formats the tag as "ggggeeee" lowercase hex, the form used in
// JSON payloads.
func (t Tag) String() string {
	return fmt.Sprintf("%04x%04x", t.Group, t.Element)
}

// Well-known tags.
var (
	TagPatientID         = Tag{0x0010, 0x0020}
	TagPatientName       = Tag{0x0010, 0x0010}
	TagPatientBirthDate  = Tag{0x0010, 0x0030}
	TagPatientSex        = Tag{0x0010, 0x0040}
	TagStudyInstanceUID  = Tag{0x0020, 0x000d}
	TagStudyDate         = Tag{0x0008, 0x0020}
	TagStudyTime         = Tag{0x0008, 0x0030}
	TagStudyID           = Tag{0x0020, 0x0010}
	TagStudyDescription  = Tag{0x0008, 0x1030}
	TagAccessionNumber   = Tag{0x0008, 0x0050}
	TagSeriesInstanceUID = Tag{0x0020, 0x000e}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagSeriesDescription = Tag{0x0008, 0x103e}
	TagModality          = Tag{0x0008, 0x0060}
	TagSOPInstanceUID    = Tag{0x0008, 0x0018}
	TagSOPClassUID       = Tag{0x0008, 0x0016}
	TagInstanceNumber    = Tag{0x0020, 0x0013}
)

// identifierTags lists, per level, the tags that are indexed for lookup.
var identifierTags = map[models.ResourceType][]Tag{
	models.ResourcePatient: {
		TagPatientID, TagPatientName, TagPatientBirthDate,
	},
	models.ResourceStudy: {
		TagStudyInstanceUID, TagAccessionNumber, TagStudyDate,
		TagStudyID, TagStudyDescription, TagPatientName, TagPatientID,
	},
	models.ResourceSeries: {
		TagSeriesInstanceUID, TagSeriesNumber, TagModality,
	},
	models.ResourceInstance: {
		TagSOPInstanceUID, TagInstanceNumber,
	},
}

// mainTags lists, per level, the header tags cached for fast retrieval.
var mainTags = map[models.ResourceType][]Tag{
	models.ResourcePatient: {
		TagPatientID, TagPatientName, TagPatientBirthDate, TagPatientSex,
	},
	models.ResourceStudy: {
		TagStudyInstanceUID, TagStudyDate, TagStudyTime, TagStudyID,
		TagStudyDescription, TagAccessionNumber,
	},
	models.ResourceSeries: {
		TagSeriesInstanceUID, TagSeriesNumber, TagSeriesDescription,
		TagModality,
	},
	models.ResourceInstance: {
		TagSOPInstanceUID, TagSOPClassUID, TagInstanceNumber,
	},
}

// IdentifierTags returns the searchable tags at the given level.
func IdentifierTags(level models.ResourceType) []Tag {
	return identifierTags[level]
}

// MainTags returns the cached header tags at the given level.
func MainTags(level models.ResourceType) []Tag {
	return mainTags[level]
}

// IsIdentifier reports whether t is indexed for lookup at the given level.
func IsIdentifier(level models.ResourceType, t Tag) bool {
	for _, candidate := range identifierTags[level] {
		if candidate == t {
			return true
		}
	}
	return false
}
