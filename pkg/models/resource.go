// Package models holds the plain data structures shared between the index
// store, the jobs engine and the REST layer.
package models

import "fmt"

// ResourceType is one level of the Patient > Study > Series > Instance
// hierarchy. The numeric order matters: a resource's parent is always
// exactly one level above it.
type ResourceType int

const (
	ResourcePatient ResourceType = iota + 1
	ResourceStudy
	ResourceSeries
	ResourceInstance
)

// String returns the level name used in JSON payloads and logs.
func (t ResourceType) String() string {
	switch t {
	case ResourcePatient:
		return "Patient"
	case ResourceStudy:
		return "Study"
	case ResourceSeries:
		return "Series"
	case ResourceInstance:
		return "Instance"
	default:
		return fmt.Sprintf("ResourceType(%d)", int(t))
	}
}

// ParseResourceType is the inverse of String.
func ParseResourceType(s string) (ResourceType, error) {
	switch s {
	case "Patient":
		return ResourcePatient, nil
	case "Study":
		return ResourceStudy, nil
	case "Series":
		return ResourceSeries, nil
	case "Instance":
		return ResourceInstance, nil
	default:
		return 0, fmt.Errorf("unknown resource type %q", s)
	}
}

// IsValid reports whether t names one of the four levels.
func (t ResourceType) IsValid() bool {
	return t >= ResourcePatient && t <= ResourceInstance
}

// Parent returns the level above t, or false for patients.
func (t ResourceType) Parent() (ResourceType, bool) {
	if t <= ResourcePatient || t > ResourceInstance {
		return 0, false
	}
	return t - 1, true
}

// Child returns the level below t, or false for instances.
func (t ResourceType) Child() (ResourceType, bool) {
	if t < ResourcePatient || t >= ResourceInstance {
		return 0, false
	}
	return t + 1, true
}

// Resource is one node of the hierarchy as stored in the index.
type Resource struct {
	InternalID int64        `json:"-"`
	PublicID   string       `json:"id"`
	Type       ResourceType `json:"type"`
	ParentID   int64        `json:"-"`
}
