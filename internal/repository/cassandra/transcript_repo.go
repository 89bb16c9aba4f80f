package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"talklink-backend/internal/domain"
)

// TranscriptRepository stores per-call transcript entries in Cassandra.
// Rows are partitioned by (call_id, bucket) so a marathon call cannot
// grow one partition unbounded.
type TranscriptRepository struct {
	session *gocql.Session
}

// NewTranscriptRepository creates a new TranscriptRepository
func NewTranscriptRepository(session *gocql.Session) *TranscriptRepository {
	return &TranscriptRepository{session: session}
}

// Append inserts a transcript entry. Entries are append-only; ordering
// within a call is by timestamp then entry_id.
func (r *TranscriptRepository) Append(entry *domain.TranscriptEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	bucket := domain.CalculateBucket(entry.Timestamp)

	query := `
		INSERT INTO transcripts (
			call_id, bucket, entry_id, speaker_id, text, confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		entry.CallID,
		bucket,
		uuid.New(),
		entry.SpeakerID,
		entry.Text,
		entry.Confidence,
		entry.Timestamp,
	).Exec()

	if err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}

	return nil
}

// GetByCall retrieves a call's transcript within one monthly bucket,
// oldest first
func (r *TranscriptRepository) GetByCall(callID uuid.UUID, bucket int, limit int) ([]*domain.TranscriptEntry, error) {
	query := `
		SELECT call_id, speaker_id, text, confidence, created_at
		FROM transcripts
		WHERE call_id = ? AND bucket = ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	iter := r.session.Query(query, callID, bucket, limit).Iter()

	var entries []*domain.TranscriptEntry
	for {
		entry := &domain.TranscriptEntry{}
		if !iter.Scan(
			&entry.CallID,
			&entry.SpeakerID,
			&entry.Text,
			&entry.Confidence,
			&entry.Timestamp,
		) {
			break
		}
		entries = append(entries, entry)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch transcript: %w", err)
	}

	return entries, nil
}

// GetFullTranscript retrieves a call's transcript across the buckets its
// lifetime spans. Calls rarely cross a month boundary, so this usually
// reads a single partition.
func (r *TranscriptRepository) GetFullTranscript(callID uuid.UUID, startTime, endTime time.Time, limit int) ([]*domain.TranscriptEntry, error) {
	if endTime.IsZero() {
		endTime = time.Now()
	}

	var all []*domain.TranscriptEntry
	for _, bucket := range CalculateBucketsForRange(startTime, endTime) {
		entries, err := r.GetByCall(callID, bucket, limit-len(all))
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)

		if len(all) >= limit {
			break
		}
	}

	return all, nil
}

// DeleteByCall removes a call's transcript (GDPR erasure path)
func (r *TranscriptRepository) DeleteByCall(callID uuid.UUID, startTime, endTime time.Time) error {
	if endTime.IsZero() {
		endTime = time.Now()
	}

	for _, bucket := range CalculateBucketsForRange(startTime, endTime) {
		query := `DELETE FROM transcripts WHERE call_id = ? AND bucket = ?`
		if err := r.session.Query(query, callID, bucket).Exec(); err != nil {
			return fmt.Errorf("failed to delete transcript bucket %d: %w", bucket, err)
		}
	}

	return nil
}

// CalculateBucketsForRange generates bucket list for a time range
func CalculateBucketsForRange(startTime, endTime time.Time) []int {
	var buckets []int

	current := startTime
	for current.Before(endTime) || current.Equal(endTime) {
		buckets = append(buckets, domain.CalculateBucket(current))

		// Move to next month
		current = current.AddDate(0, 1, 0)
	}

	return buckets
}
