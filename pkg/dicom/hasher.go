package dicom

import (
	"crypto/sha1"
	"encoding/hex"
)

// Public resource identifiers are the SHA-1 of the DICOM identifier tuple
// at each level, rendered as 40 lowercase hex characters. The scheme makes
// ids deterministic: re-ingesting the same instance maps to the same
// resources.

func hashOf(parts ...string) string {
	h := sha1.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte("|"))
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashPatient returns the public id of the patient owning the instance.
func HashPatient(patientID string) string {
	return hashOf(patientID)
}

// HashStudy returns the public id of a study.
func HashStudy(patientID, studyUID string) string {
	return hashOf(patientID, studyUID)
}

// HashSeries returns the public id of a series.
func HashSeries(patientID, studyUID, seriesUID string) string {
	return hashOf(patientID, studyUID, seriesUID)
}

// HashInstance returns the public id of an instance.
func HashInstance(patientID, studyUID, seriesUID, sopInstanceUID string) string {
	return hashOf(patientID, studyUID, seriesUID, sopInstanceUID)
}
