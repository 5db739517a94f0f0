package index

import (
	"database/sql"
	"errors"
	"fmt"
)

// isInRecyclingOrder reports whether the patient currently has a slot in
// the recycling queue. Protected patients have none.
func (t *Transaction) isInRecyclingOrder(patientID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM PatientRecyclingOrder WHERE patientId = ?)`,
		patientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return exists, nil
}

// IsProtectedPatient reports whether the patient is excluded from
// recycling. A patient is protected exactly when it is absent from the
// recycling order.
func (t *Transaction) IsProtectedPatient(patientID int64) (bool, error) {
	inOrder, err := t.isInRecyclingOrder(patientID)
	if err != nil {
		return false, err
	}
	return !inOrder, nil
}

// SetProtectedPatient adds or removes the patient from the recycling
// order. Both directions are idempotent.
func (t *Transaction) SetProtectedPatient(patientID int64, protected bool) error {
	if err := t.writable(); err != nil {
		return err
	}

	inOrder, err := t.isInRecyclingOrder(patientID)
	if err != nil {
		return err
	}

	switch {
	case protected && inOrder:
		if _, err := t.tx.Exec(
			`DELETE FROM PatientRecyclingOrder WHERE patientId = ?`, patientID); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
	case !protected && !inOrder:
		if _, err := t.tx.Exec(
			`INSERT INTO PatientRecyclingOrder (patientId) VALUES (?)`, patientID); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
	}
	return nil
}

// SelectPatientToRecycle returns the least recently used unprotected
// patient, skipping avoidID (pass zero to skip nothing). Returns false
// when nothing is recyclable.
func (t *Transaction) SelectPatientToRecycle(avoidID int64) (int64, bool, error) {
	var patientID int64
	err := t.tx.QueryRow(
		`SELECT patientId FROM PatientRecyclingOrder
		 WHERE patientId != ? ORDER BY seq ASC LIMIT 1`,
		avoidID).Scan(&patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return patientID, true, nil
}

// TagMostRecentPatient moves the patient to the tail of the recycling
// order, making it the last candidate for eviction. Protected patients are
// left untouched.
func (t *Transaction) TagMostRecentPatient(patientID int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	inOrder, err := t.isInRecyclingOrder(patientID)
	if err != nil {
		return err
	}
	if !inOrder {
		return nil
	}

	if _, err := t.tx.Exec(
		`DELETE FROM PatientRecyclingOrder WHERE patientId = ?`, patientID); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if _, err := t.tx.Exec(
		`INSERT INTO PatientRecyclingOrder (patientId) VALUES (?)`, patientID); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}
