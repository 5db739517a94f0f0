package dicom

import (
	"sort"
	"strings"
)

// Map is a flat set of tag/value pairs extracted from one instance.
type Map map[Tag]string

// Get returns the value of t, or an empty string.
func (m Map) Get(t Tag) string {
	return m[t]
}

// Has reports whether t carries a non-empty value.
func (m Map) Has(t Tag) bool {
	return m[t] != ""
}

// Subset copies the entries of m named by tags, skipping absent ones.
func (m Map) Subset(tags []Tag) Map {
	out := make(Map, len(tags))
	for _, t := range tags {
		if v, ok := m[t]; ok {
			out[t] = v
		}
	}
	return out
}

// ToJSON renders the map with hex tag keys, sorted, for API payloads.
func (m Map) ToJSON() map[string]string {
	out := make(map[string]string, len(m))
	for t, v := range m {
		out[t.String()] = v
	}
	return out
}

// SortedTags returns the tags of m in (group, element) order.
func (m Map) SortedTags() []Tag {
	tags := make([]Tag, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// NormalizeIdentifier prepares a value for the DicomIdentifiers table:
// whitespace is trimmed and the value is uppercased, so that lookups are
// case-insensitive by construction.
func NormalizeIdentifier(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}
