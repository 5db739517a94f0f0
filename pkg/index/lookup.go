package index

import (
	"fmt"
	"strings"

	"pacsd/pkg/dicom"
	"pacsd/pkg/models"
)

// ConstraintKind selects the comparison of one lookup constraint.
type ConstraintKind int

const (
	ConstraintEqual ConstraintKind = iota
	ConstraintSmallerOrEqual
	ConstraintGreaterOrEqual
	ConstraintWildcard
	ConstraintList
)

// Constraint is one predicate of a resource lookup, mirroring a DICOM
// C-FIND matching key. Wildcard values use the DICOM conventions: '*'
// matches any run, '?' one character.
type Constraint struct {
	Level         models.ResourceType
	Tag           dicom.Tag
	IsIdentifier  bool
	CaseSensitive bool
	Mandatory     bool
	Kind          ConstraintKind
	Values        []string
}

// LabelsConstraint tells how a label filter combines.
type LabelsConstraint int

const (
	LabelsAny LabelsConstraint = iota
	LabelsAll
	LabelsNone
)

// LookupResult is one matched resource. InstancePublicID is filled only
// when the lookup requested instance retrieval: it names an arbitrary
// descendant instance of the match.
type LookupResult struct {
	PublicID         string
	InstancePublicID string
}

// lookupBuilder assembles the parameterized SQL of one lookup. The query
// always selects from a Resources alias "r" pinned at the query level,
// joined up or down the hierarchy to reach each constraint level.
type lookupBuilder struct {
	queryLevel models.ResourceType
	joins      []string
	where      []string
	// Join and WHERE arguments are kept apart: the final SQL prints every
	// join clause before the WHERE clause, so their placeholders bind in
	// that order regardless of the order constraints were added.
	joinArgs  []interface{}
	whereArgs []interface{}
	// ancestor/descendant aliases already joined, by level
	aliases map[models.ResourceType]string
}

func newLookupBuilder(queryLevel models.ResourceType) *lookupBuilder {
	return &lookupBuilder{
		queryLevel: queryLevel,
		aliases:    map[models.ResourceType]string{queryLevel: "r"},
	}
}

// resourceAlias returns the Resources alias at the given level, adding the
// parent or child joins needed to reach it.
func (b *lookupBuilder) resourceAlias(level models.ResourceType) string {
	if alias, ok := b.aliases[level]; ok {
		return alias
	}

	if level < b.queryLevel {
		below := b.resourceAlias(level + 1)
		alias := fmt.Sprintf("anc%d", int(level))
		b.joins = append(b.joins, fmt.Sprintf(
			"INNER JOIN Resources AS %s ON %s.internalId = %s.parentId",
			alias, alias, below))
		b.aliases[level] = alias
		return alias
	}

	above := b.resourceAlias(level - 1)
	alias := fmt.Sprintf("desc%d", int(level))
	b.joins = append(b.joins, fmt.Sprintf(
		"INNER JOIN Resources AS %s ON %s.parentId = %s.internalId",
		alias, alias, above))
	b.aliases[level] = alias
	return alias
}

// dicomToLike translates DICOM wildcards to a LIKE pattern, escaping the
// LIKE metacharacters of the literal parts.
func dicomToLike(value string) string {
	var out strings.Builder
	for _, r := range value {
		switch r {
		case '*':
			out.WriteRune('%')
		case '?':
			out.WriteRune('_')
		case '%', '_', '\\':
			out.WriteRune('\\')
			out.WriteRune(r)
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// dicomToGlob keeps the DICOM wildcards, which GLOB shares, and escapes
// the character-class syntax.
func dicomToGlob(value string) string {
	var out strings.Builder
	for _, r := range value {
		if r == '[' {
			out.WriteString("[[]")
		} else {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// addConstraint joins the tag table of one constraint and records its
// predicate.
func (b *lookupBuilder) addConstraint(i int, c Constraint) error {
	table := "MainDicomTags"
	if c.IsIdentifier {
		table = "DicomIdentifiers"
	}
	resAlias := b.resourceAlias(c.Level)
	alias := fmt.Sprintf("t%d", i)

	normalize := func(v string) string {
		if c.IsIdentifier {
			return dicom.NormalizeIdentifier(v)
		}
		return v
	}

	var predicate string
	var args []interface{}
	column := alias + ".value"
	if !c.CaseSensitive && !c.IsIdentifier {
		// Identifier values are normalized at write time; main tags need
		// explicit folding.
		column = "lower(" + column + ")"
		original := normalize
		normalize = func(v string) string { return strings.ToLower(original(v)) }
	}

	switch c.Kind {
	case ConstraintEqual:
		if len(c.Values) != 1 {
			return fmt.Errorf("%w: equality constraint needs one value", ErrDatabase)
		}
		predicate = column + " = ?"
		args = append(args, normalize(c.Values[0]))
	case ConstraintSmallerOrEqual:
		if len(c.Values) != 1 {
			return fmt.Errorf("%w: range constraint needs one value", ErrDatabase)
		}
		predicate = column + " <= ?"
		args = append(args, normalize(c.Values[0]))
	case ConstraintGreaterOrEqual:
		if len(c.Values) != 1 {
			return fmt.Errorf("%w: range constraint needs one value", ErrDatabase)
		}
		predicate = column + " >= ?"
		args = append(args, normalize(c.Values[0]))
	case ConstraintWildcard:
		if len(c.Values) != 1 {
			return fmt.Errorf("%w: wildcard constraint needs one value", ErrDatabase)
		}
		if c.CaseSensitive && !c.IsIdentifier {
			// LIKE folds ASCII case; GLOB keeps the DICOM wildcards and
			// compares exactly.
			predicate = alias + ".value GLOB ?"
			args = append(args, dicomToGlob(c.Values[0]))
		} else {
			predicate = alias + ".value LIKE ? ESCAPE '\\'"
			args = append(args, dicomToLike(normalize(c.Values[0])))
		}
	case ConstraintList:
		if len(c.Values) == 0 {
			return fmt.Errorf("%w: list constraint needs values", ErrDatabase)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.Values)), ", ")
		predicate = column + " IN (" + placeholders + ")"
		for _, v := range c.Values {
			args = append(args, normalize(v))
		}
	default:
		return fmt.Errorf("%w: unsupported constraint kind %d", ErrDatabase, c.Kind)
	}

	join := fmt.Sprintf("%s JOIN %s AS %s ON %s.id = %s.internalId AND %s.tagGroup = ? AND %s.tagElement = ?",
		map[bool]string{true: "INNER", false: "LEFT"}[c.Mandatory],
		table, alias, alias, resAlias, alias, alias)
	b.joins = append(b.joins, join)
	b.joinArgs = append(b.joinArgs, int(c.Tag.Group), int(c.Tag.Element))

	if c.Mandatory {
		b.where = append(b.where, predicate)
	} else {
		// Optional keys match resources lacking the tag entirely.
		b.where = append(b.where, "("+alias+".id IS NULL OR "+predicate+")")
	}
	b.whereArgs = append(b.whereArgs, args...)
	return nil
}

// addLabels records the label filter on the query-level alias.
func (b *lookupBuilder) addLabels(labels []string, mode LabelsConstraint) {
	if len(labels) == 0 {
		return
	}

	in := func(values []string) (string, []interface{}) {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		return placeholders, args
	}

	switch mode {
	case LabelsAny:
		placeholders, args := in(labels)
		b.where = append(b.where,
			"EXISTS (SELECT 1 FROM Labels WHERE Labels.id = r.internalId AND Labels.label IN ("+placeholders+"))")
		b.whereArgs = append(b.whereArgs, args...)
	case LabelsAll:
		for _, label := range labels {
			b.where = append(b.where,
				"EXISTS (SELECT 1 FROM Labels WHERE Labels.id = r.internalId AND Labels.label = ?)")
			b.whereArgs = append(b.whereArgs, label)
		}
	case LabelsNone:
		placeholders, args := in(labels)
		b.where = append(b.where,
			"NOT EXISTS (SELECT 1 FROM Labels WHERE Labels.id = r.internalId AND Labels.label IN ("+placeholders+"))")
		b.whereArgs = append(b.whereArgs, args...)
	}
}

func (b *lookupBuilder) sql(limit int) (string, []interface{}) {
	query := "SELECT DISTINCT r.internalId, r.publicId FROM Resources AS r"
	for _, join := range b.joins {
		query += " " + join
	}
	where := append([]string{"r.resourceType = ?"}, b.where...)
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY r.internalId LIMIT ?"

	// Bind in placeholder order: join clauses first, then the WHERE
	// clause starting with the query level, then the limit.
	args := make([]interface{}, 0, len(b.joinArgs)+len(b.whereArgs)+2)
	args = append(args, b.joinArgs...)
	args = append(args, int(b.queryLevel))
	args = append(args, b.whereArgs...)
	args = append(args, limit)
	return query, args
}

// LookupResources runs one C-FIND style query against the index. All
// constraints combine with AND; labels filter the query level per mode.
// When retrieveInstances is set, each result carries the public id of one
// of its descendant instances.
func (t *Transaction) LookupResources(constraints []Constraint, queryLevel models.ResourceType,
	labels []string, labelsMode LabelsConstraint, limit int, retrieveInstances bool) ([]LookupResult, error) {

	if !queryLevel.IsValid() {
		return nil, fmt.Errorf("%w: invalid query level", ErrDatabase)
	}
	if limit <= 0 {
		limit = 100
	}

	builder := newLookupBuilder(queryLevel)
	for i, c := range constraints {
		if !c.Level.IsValid() {
			return nil, fmt.Errorf("%w: invalid constraint level", ErrDatabase)
		}
		if err := builder.addConstraint(i, c); err != nil {
			return nil, err
		}
	}
	builder.addLabels(labels, labelsMode)

	query, args := builder.sql(limit)
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	type match struct {
		internalID int64
		publicID   string
	}
	var matches []match
	for rows.Next() {
		var m match
		if err := rows.Scan(&m.internalID, &m.publicID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	results := make([]LookupResult, 0, len(matches))
	for _, m := range matches {
		result := LookupResult{PublicID: m.publicID}
		if retrieveInstances {
			instance, err := t.findSomeInstance(m.internalID, queryLevel)
			if err != nil {
				return nil, err
			}
			result.InstancePublicID = instance
		}
		results = append(results, result)
	}
	return results, nil
}

// findSomeInstance walks down from a resource to any one of its instances.
func (t *Transaction) findSomeInstance(id int64, level models.ResourceType) (string, error) {
	currentID := id
	for currentLevel := level; currentLevel < models.ResourceInstance; currentLevel++ {
		children, err := t.GetChildrenInternalID(currentID)
		if err != nil {
			return "", err
		}
		if len(children) == 0 {
			return "", nil
		}
		currentID = children[0]
	}
	return t.GetPublicID(currentID)
}
