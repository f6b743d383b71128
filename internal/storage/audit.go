package storage

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

// DefaultMaxResponseSize is the default maximum size for response truncation (64KB)
const DefaultMaxResponseSize = 64 * 1024

// auditKey generates a BBolt key for an audit record.
// Key format: {timestamp_ns}_{ulid} for natural chronological ordering.
// The 20-digit zero-padded nanosecond timestamp keeps keys sortable.
func auditKey(timestamp time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", timestamp.UnixNano(), id))
}

// parseAuditKey extracts the ULID from an audit key.
// Returns empty string if the key format is invalid.
func parseAuditKey(key []byte) string {
	keyStr := string(key)
	if len(keyStr) < 22 { // 20 digits + underscore + at least 1 char for id
		return ""
	}
	return keyStr[21:]
}

// truncateResponse truncates a response string if it exceeds maxSize.
// Returns the (potentially truncated) string and whether truncation occurred.
func truncateResponse(response string, maxSize int) (string, bool) {
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}
	if len(response) <= maxSize {
		return response, false
	}
	return response[:maxSize] + "...[truncated]", true
}

// SaveAudit stores an audit record, assigning an ID and timestamp when
// unset and truncating oversized responses.
func (s *BoltStore) SaveAudit(record *AuditRecord) error {
	if record == nil {
		return fmt.Errorf("audit record cannot be nil")
	}

	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	record.Response, record.ResponseTruncated = truncateResponse(record.Response, s.maxResponseSize)

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return fmt.Errorf("audit bucket not found")
		}

		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal audit record: %w", err)
		}

		key := auditKey(record.Timestamp, record.ID)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to store audit record: %w", err)
		}

		return nil
	})
}

// SaveAuditAsync stores an audit record on a background goroutine so
// the tool call path never blocks on local disk.
func (s *BoltStore) SaveAuditAsync(record *AuditRecord) {
	go func() {
		if err := s.SaveAudit(record); err != nil {
			s.logger.Errorw("Failed to save audit record async",
				"id", record.ID,
				"type", record.Type,
				"error", err)
		}
	}()
}

// GetAudit retrieves an audit record by ID. Returns nil if not found.
func (s *BoltStore) GetAudit(id string) (*AuditRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("audit record ID cannot be empty")
	}

	var record *AuditRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return nil
		}

		// ID is the key suffix, so scan for it
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if parseAuditKey(k) == id {
				record = &AuditRecord{}
				if err := record.UnmarshalBinary(v); err != nil {
					return fmt.Errorf("failed to unmarshal audit record: %w", err)
				}
				return nil
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListAudits returns paginated audit records matching the filter,
// newest first. Returns the records, the total matching count, and any
// error.
func (s *BoltStore) ListAudits(filter AuditFilter) ([]*AuditRecord, int, error) {
	filter.Validate()

	var records []*AuditRecord
	var total int

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return nil
		}

		// Iterate in reverse order (newest first)
		cursor := bucket.Cursor()
		skipped := 0

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var record AuditRecord
			if err := record.UnmarshalBinary(v); err != nil {
				s.logger.Warnw("Failed to unmarshal audit record",
					"key", string(k),
					"error", err)
				continue
			}

			if !filter.Matches(&record) {
				continue
			}

			total++

			if skipped < filter.Offset {
				skipped++
				continue
			}

			if len(records) < filter.Limit {
				rec := record
				records = append(records, &rec)
			}
		}

		return nil
	})

	return records, total, err
}

// CountAudits returns the total number of audit records.
func (s *BoltStore) CountAudits() (int, error) {
	var count int

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})

	return count, err
}

// PruneOldAudits deletes audit records older than maxAge.
// Returns the number of records deleted.
func (s *BoltStore) PruneOldAudits(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	cutoffKey := auditKey(cutoff, "")

	var deleted int

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return nil
		}

		var keysToDelete [][]byte
		cursor := bucket.Cursor()

		// Older records have smaller keys
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if string(k) < string(cutoffKey) {
				keysToDelete = append(keysToDelete, append([]byte{}, k...))
			} else {
				break
			}
		}

		for _, key := range keysToDelete {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete old audit record: %w", err)
			}
			deleted++
		}

		return nil
	})

	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		s.logger.Infow("Pruned old audit records",
			"deleted", deleted,
			"max_age", maxAge.String())
	}

	return deleted, nil
}

// PruneExcessAudits deletes the oldest records when the count exceeds
// maxRecords, bringing the count down to 90% of the cap so pruning
// does not run on every insert. Returns the number deleted.
func (s *BoltStore) PruneExcessAudits(maxRecords int) (int, error) {
	const targetPercent = 0.9

	var deleted int

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return nil
		}

		count := bucket.Stats().KeyN
		if count <= maxRecords {
			return nil
		}

		targetCount := int(float64(maxRecords) * targetPercent)
		toDelete := count - targetCount

		var keysToDelete [][]byte
		cursor := bucket.Cursor()

		for k, _ := cursor.First(); k != nil && len(keysToDelete) < toDelete; k, _ = cursor.Next() {
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
		}

		for _, key := range keysToDelete {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete excess audit record: %w", err)
			}
			deleted++
		}

		return nil
	})

	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		s.logger.Infow("Pruned excess audit records",
			"deleted", deleted,
			"max_records", maxRecords)
	}

	return deleted, nil
}
