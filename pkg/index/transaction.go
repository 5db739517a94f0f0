package index

import (
	"database/sql"
	"errors"
	"fmt"

	"pacsd/pkg/models"
)

// Transaction is one atomic unit of work on the index. Deletion events are
// buffered and handed to the store listener only when Commit succeeds;
// Rollback discards writes and events alike.
type Transaction struct {
	store  *Store
	tx     *sql.Tx
	mode   Mode
	events []event
	done   bool
}

type eventKind int

const (
	eventAttachmentDeleted eventKind = iota
	eventResourceDeleted
	eventRemainingAncestor
)

type event struct {
	kind         eventKind
	attachment   models.Attachment
	resourceType models.ResourceType
	publicID     string
}

func (t *Transaction) release() {
	if t.mode == ReadWrite {
		t.store.mu.Unlock()
	} else {
		t.store.mu.RUnlock()
	}
}

// Commit makes the writes durable and fires the buffered events.
func (t *Transaction) Commit() error {
	if t.done {
		return ErrDone
	}
	t.done = true
	defer t.release()

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	if listener := t.store.listener; listener != nil {
		for _, ev := range t.events {
			switch ev.kind {
			case eventAttachmentDeleted:
				listener.SignalAttachmentDeleted(ev.attachment)
			case eventResourceDeleted:
				listener.SignalResourceDeleted(ev.resourceType, ev.publicID)
			case eventRemainingAncestor:
				listener.SignalRemainingAncestor(ev.resourceType, ev.publicID)
			}
		}
	}
	return nil
}

// Rollback undoes every write. Events never fire.
func (t *Transaction) Rollback() error {
	if t.done {
		return ErrDone
	}
	t.done = true
	defer t.release()

	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

func (t *Transaction) writable() error {
	if t.done {
		return ErrDone
	}
	if t.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

// LookupResource resolves a public id to its internal id and type.
func (t *Transaction) LookupResource(publicID string) (int64, models.ResourceType, error) {
	var (
		id    int64
		rtype int
	)
	err := t.tx.QueryRow(
		`SELECT internalId, resourceType FROM Resources WHERE publicId = ?`,
		publicID,
	).Scan(&id, &rtype)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrUnknownResource
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return id, models.ResourceType(rtype), nil
}

// LookupResourceAndParent also returns the parent public id, empty for
// patients.
func (t *Transaction) LookupResourceAndParent(publicID string) (int64, models.ResourceType, string, error) {
	var (
		id     int64
		rtype  int
		parent sql.NullString
	)
	err := t.tx.QueryRow(
		`SELECT r.internalId, r.resourceType, p.publicId
		 FROM Resources r LEFT JOIN Resources p ON p.internalId = r.parentId
		 WHERE r.publicId = ?`,
		publicID,
	).Scan(&id, &rtype, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, "", ErrUnknownResource
	}
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return id, models.ResourceType(rtype), parent.String, nil
}

// CreateResource inserts a new root-less resource and returns its internal
// id. Patients are additionally appended to the recycling order.
func (t *Transaction) CreateResource(publicID string, resourceType models.ResourceType) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}

	result, err := t.tx.Exec(
		`INSERT INTO Resources (resourceType, publicId, parentId) VALUES (?, ?, NULL)`,
		int(resourceType), publicID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	if resourceType == models.ResourcePatient {
		if _, err := t.tx.Exec(
			`INSERT INTO PatientRecyclingOrder (patientId) VALUES (?)`, id); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
	}
	return id, nil
}

// AttachChild links child below parent. The types must be adjacent levels.
func (t *Transaction) AttachChild(parentID, childID int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	parentType, err := t.GetResourceType(parentID)
	if err != nil {
		return err
	}
	childType, err := t.GetResourceType(childID)
	if err != nil {
		return err
	}
	if expected, ok := parentType.Child(); !ok || expected != childType {
		return fmt.Errorf("%w: cannot attach %s below %s", ErrDatabase, childType, parentType)
	}

	if _, err := t.tx.Exec(
		`UPDATE Resources SET parentId = ? WHERE internalId = ?`, parentID, childID); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// GetPublicID returns the public id of an internal id.
func (t *Transaction) GetPublicID(id int64) (string, error) {
	var publicID string
	err := t.tx.QueryRow(
		`SELECT publicId FROM Resources WHERE internalId = ?`, id).Scan(&publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownResource
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return publicID, nil
}

// GetResourceType returns the level of an internal id.
func (t *Transaction) GetResourceType(id int64) (models.ResourceType, error) {
	var rtype int
	err := t.tx.QueryRow(
		`SELECT resourceType FROM Resources WHERE internalId = ?`, id).Scan(&rtype)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownResource
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return models.ResourceType(rtype), nil
}

// LookupParent returns the parent internal id, or false for patients.
func (t *Transaction) LookupParent(id int64) (int64, bool, error) {
	var parent sql.NullInt64
	err := t.tx.QueryRow(
		`SELECT parentId FROM Resources WHERE internalId = ?`, id).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrUnknownResource
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return parent.Int64, parent.Valid, nil
}

// GetChildrenPublicID lists the public ids of the direct children.
func (t *Transaction) GetChildrenPublicID(id int64) ([]string, error) {
	rows, err := t.tx.Query(
		`SELECT publicId FROM Resources WHERE parentId = ? ORDER BY internalId`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var children []string
	for rows.Next() {
		var publicID string
		if err := rows.Scan(&publicID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		children = append(children, publicID)
	}
	return children, rows.Err()
}

// GetChildrenInternalID lists the internal ids of the direct children.
func (t *Transaction) GetChildrenInternalID(id int64) ([]int64, error) {
	rows, err := t.tx.Query(
		`SELECT internalId FROM Resources WHERE parentId = ? ORDER BY internalId`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var children []int64
	for rows.Next() {
		var childID int64
		if err := rows.Scan(&childID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		children = append(children, childID)
	}
	return children, rows.Err()
}

// CreateInstanceResult reports which levels the ingest fast-path created.
type CreateInstanceResult struct {
	InstanceID   int64
	IsNewPatient bool
	IsNewStudy   bool
	IsNewSeries  bool
	PatientID    int64
	StudyID      int64
	SeriesID     int64
}

// CreateInstance atomically ensures the whole chain patient > study >
// series > instance exists, creating only the missing levels, and bumps
// the patient to the tail of the recycling order. It fails with
// ErrResourceExists semantics if the instance is already stored (the
// caller treats re-ingest as overwrite at a higher layer).
func (t *Transaction) CreateInstance(patientPublic, studyPublic, seriesPublic, instancePublic string) (*CreateInstanceResult, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}

	result := &CreateInstanceResult{}

	ensure := func(publicID string, rtype models.ResourceType, parentID int64) (int64, bool, error) {
		id, existingType, err := t.LookupResource(publicID)
		if err == nil {
			if existingType != rtype {
				return 0, false, fmt.Errorf("%w: public id %q already maps to a %s",
					ErrDatabase, publicID, existingType)
			}
			return id, false, nil
		}
		if !errors.Is(err, ErrUnknownResource) {
			return 0, false, err
		}

		id, err = t.CreateResource(publicID, rtype)
		if err != nil {
			return 0, false, err
		}
		if parentID != 0 {
			if _, err := t.tx.Exec(
				`UPDATE Resources SET parentId = ? WHERE internalId = ?`, parentID, id); err != nil {
				return 0, false, fmt.Errorf("%w: %w", ErrDatabase, err)
			}
		}
		return id, true, nil
	}

	var err error
	result.PatientID, result.IsNewPatient, err = ensure(patientPublic, models.ResourcePatient, 0)
	if err != nil {
		return nil, err
	}
	result.StudyID, result.IsNewStudy, err = ensure(studyPublic, models.ResourceStudy, result.PatientID)
	if err != nil {
		return nil, err
	}
	result.SeriesID, result.IsNewSeries, err = ensure(seriesPublic, models.ResourceSeries, result.StudyID)
	if err != nil {
		return nil, err
	}
	instanceID, _, err := ensure(instancePublic, models.ResourceInstance, result.SeriesID)
	if err != nil {
		return nil, err
	}
	result.InstanceID = instanceID

	// Receiving an instance makes its patient the most recently used one.
	if err := t.TagMostRecentPatient(result.PatientID); err != nil {
		return nil, err
	}

	return result, nil
}

// CountResources returns the number of resources at one level.
func (t *Transaction) CountResources(resourceType models.ResourceType) (int64, error) {
	var count int64
	err := t.tx.QueryRow(
		`SELECT COUNT(*) FROM Resources WHERE resourceType = ?`,
		int(resourceType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return count, nil
}

type node struct {
	id       int64
	rtype    models.ResourceType
	publicID string
}

func (t *Transaction) loadNode(id int64) (node, error) {
	rtype, err := t.GetResourceType(id)
	if err != nil {
		return node{}, err
	}
	publicID, err := t.GetPublicID(id)
	if err != nil {
		return node{}, err
	}
	return node{id, rtype, publicID}, nil
}

// DeleteResource removes a resource and its whole subtree. Ancestors left
// childless by the removal are cleaned up as well. Event order on commit:
// one attachment-deleted per removed blob (gathered first), one
// resource-deleted per removed node bottom-up, then at most one
// remaining-ancestor naming the closest ancestor that survived the
// cascade, emitted only when the cascade extended above the requested
// root.
func (t *Transaction) DeleteResource(id int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	root, err := t.loadNode(id)
	if err != nil {
		return err
	}

	// Gather the subtree depth-first so resources can be signaled
	// bottom-up.
	var subtree []node
	var walk func(n node) error
	walk = func(n node) error {
		children, err := t.GetChildrenInternalID(n.id)
		if err != nil {
			return err
		}
		for _, childID := range children {
			child, err := t.loadNode(childID)
			if err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		subtree = append(subtree, n)
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}

	// Ancestors left without any child are removed too. The chain is
	// computed before any row disappears; the first ancestor keeping
	// other children survives and becomes the remaining ancestor.
	var (
		chain    []node
		survivor *node
	)
	childID := id
	parentID, hasParent, err := t.LookupParent(id)
	if err != nil {
		return err
	}
	for hasParent {
		parent, err := t.loadNode(parentID)
		if err != nil {
			return err
		}

		var siblings int
		if err := t.tx.QueryRow(
			`SELECT COUNT(*) FROM Resources WHERE parentId = ? AND internalId != ?`,
			parentID, childID,
		).Scan(&siblings); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if siblings > 0 {
			survivor = &parent
			break
		}

		chain = append(chain, parent)
		childID = parentID
		parentID, hasParent, err = t.LookupParent(parentID)
		if err != nil {
			return err
		}
	}

	// Attachments first, over everything that goes away.
	var compressedDelta, uncompressedDelta int64
	removed := append(append([]node{}, subtree...), chain...)
	for _, n := range removed {
		attachments, err := t.ListAttachments(n.id)
		if err != nil {
			return err
		}
		for _, a := range attachments {
			compressedDelta += a.CompressedSize
			uncompressedDelta += a.UncompressedSize
			t.events = append(t.events, event{kind: eventAttachmentDeleted, attachment: a})
		}
	}

	// One DELETE at the top of the doomed branch; foreign keys cascade
	// down through every table referencing Resources.
	top := id
	if len(chain) > 0 {
		top = chain[len(chain)-1].id
	}
	if _, err := t.tx.Exec(`DELETE FROM Resources WHERE internalId = ?`, top); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	for _, n := range removed {
		t.events = append(t.events, event{
			kind:         eventResourceDeleted,
			resourceType: n.rtype,
			publicID:     n.publicID,
		})
	}

	if len(chain) > 0 && survivor != nil {
		t.events = append(t.events, event{
			kind:         eventRemainingAncestor,
			resourceType: survivor.rtype,
			publicID:     survivor.publicID,
		})
	}

	return t.updateTotalSizes(-compressedDelta, -uncompressedDelta)
}
