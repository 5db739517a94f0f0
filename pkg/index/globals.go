package index

import (
	"database/sql"
	"errors"
	"fmt"
)

// LookupGlobalProperty reads one global property; ErrUnknownProperty when
// unset.
func (t *Transaction) LookupGlobalProperty(property int) (string, error) {
	var value string
	err := t.tx.QueryRow(
		`SELECT value FROM GlobalProperties WHERE property = ?`, property).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownProperty
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return value, nil
}

// SetGlobalProperty writes one global property.
func (t *Transaction) SetGlobalProperty(property int, value string) error {
	if err := t.writable(); err != nil {
		return err
	}

	if _, err := t.tx.Exec(
		`INSERT OR REPLACE INTO GlobalProperties (property, value) VALUES (?, ?)`,
		property, value); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

func (t *Transaction) readGlobalInteger(key int) (int64, error) {
	var value sql.NullInt64
	err := t.tx.QueryRow(
		`SELECT value FROM GlobalIntegers WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return value.Int64, nil
}

// updateTotalSizes shifts the cached attachment sums. Deltas may be
// negative. Invoked by every attachment insert and delete so that quota
// checks stay O(1).
func (t *Transaction) updateTotalSizes(compressedDelta, uncompressedDelta int64) error {
	for key, delta := range map[int]int64{
		globalTotalCompressedSize:   compressedDelta,
		globalTotalUncompressedSize: uncompressedDelta,
	} {
		if delta == 0 {
			continue
		}
		if _, err := t.tx.Exec(
			`INSERT INTO GlobalIntegers (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = GlobalIntegers.value + excluded.value`,
			key, delta); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
	}
	return nil
}

// GetTotalCompressedSize returns the cached sum of attachment compressed
// sizes.
func (t *Transaction) GetTotalCompressedSize() (int64, error) {
	return t.readGlobalInteger(globalTotalCompressedSize)
}

// GetTotalUncompressedSize returns the cached sum of attachment
// uncompressed sizes.
func (t *Transaction) GetTotalUncompressedSize() (int64, error) {
	return t.readGlobalInteger(globalTotalUncompressedSize)
}

// IsDiskSizeAbove reports whether the stored compressed bytes exceed the
// threshold. Constant time against the cached sum.
func (t *Transaction) IsDiskSizeAbove(threshold int64) (bool, error) {
	size, err := t.GetTotalCompressedSize()
	if err != nil {
		return false, err
	}
	return size > threshold, nil
}
