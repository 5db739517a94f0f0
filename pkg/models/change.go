package models

import "fmt"

// ChangeType tags an entry of the append-only change feed.
type ChangeType int

const (
	ChangeNewInstance ChangeType = iota + 1
	ChangeNewSeries
	ChangeNewStudy
	ChangeNewPatient
	ChangeDeleted
	ChangeRemainingAncestor
	ChangeModified
	ChangeStablePatient
	ChangeStableStudy
	ChangeStableSeries
	ChangeJobSubmitted
	ChangeJobSuccess
	ChangeJobFailure
)

var changeNames = map[ChangeType]string{
	ChangeNewInstance:       "NewInstance",
	ChangeNewSeries:         "NewSeries",
	ChangeNewStudy:          "NewStudy",
	ChangeNewPatient:        "NewPatient",
	ChangeDeleted:           "Deleted",
	ChangeRemainingAncestor: "RemainingAncestor",
	ChangeModified:          "Modified",
	ChangeStablePatient:     "StablePatient",
	ChangeStableStudy:       "StableStudy",
	ChangeStableSeries:      "StableSeries",
	ChangeJobSubmitted:      "JobSubmitted",
	ChangeJobSuccess:        "JobSuccess",
	ChangeJobFailure:        "JobFailure",
}

func (c ChangeType) String() string {
	if name, ok := changeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ChangeType(%d)", int(c))
}

// Change is one entry of the change feed. Seq is strictly increasing for
// the life of the database; readers poll with since/limit.
type Change struct {
	Seq          int64        `json:"seq"`
	ChangeType   ChangeType   `json:"change_type"`
	ResourceType ResourceType `json:"resource_type"`
	PublicID     string       `json:"id"`
	Date         string       `json:"date"`
}

// ExportedResource records that a resource left the server for a remote
// modality. Same feed shape as Change plus the destination and UIDs.
type ExportedResource struct {
	Seq            int64        `json:"seq"`
	ResourceType   ResourceType `json:"resource_type"`
	PublicID       string       `json:"id"`
	Modality       string       `json:"remote_modality"`
	Date           string       `json:"date"`
	PatientID      string       `json:"patient_id"`
	StudyUID       string       `json:"study_instance_uid"`
	SeriesUID      string       `json:"series_instance_uid"`
	SOPInstanceUID string       `json:"sop_instance_uid"`
}
