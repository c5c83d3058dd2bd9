package auditstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bftquorum/model"
)

// ErrDuplicateVote is returned by RecordVote when (tx_id, node_id) already
// has a row; the caller (the vote engine) treats this the same way it
// treats a coordination-store CAS failure with matching content.
var ErrDuplicateVote = errors.New("auditstore: duplicate vote_history row")

// Store wraps a gorm.DB and exposes the audit-store operations the vote
// engine and detector need. It is write-mostly: the critical path never
// reads back from it (spec.md §5).
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open opens (creating if absent) a pure-Go sqlite database at dsn and
// migrates the schema. glebarez/sqlite avoids cgo, matching the
// services/otc-gateway stack without requiring a C toolchain on build
// hosts.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// RecordVote durably records a vote. It must succeed before on_vote returns
// Accepted or ThresholdReached (spec.md §4.5.1).
func (s *Store) RecordVote(v *model.Vote, publicKey []byte, observedAt time.Time) error {
	row := VoteHistory{
		ID:         uuid.New(),
		TxID:       string(v.TxID),
		NodeID:     v.NodeID,
		Value:      v.Value,
		Signature:  v.Signature,
		PublicKey:  publicKey,
		ObservedAt: observedAt,
	}
	err := s.db.Create(&row).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateVote
	}
	return err
}

// RecordViolation appends a violation row. Byzantine findings must be
// persisted before any state transition they drive (spec.md §7).
func (s *Store) RecordViolation(v model.Violation) error {
	row := Violation{
		ID:         uuid.New(),
		NodeID:     v.NodeID,
		Kind:       string(v.Kind),
		TxID:       string(v.TxID),
		Evidence:   v.Evidence,
		DetectedAt: v.DetectedAt,
		Sanction:   v.Sanction,
	}
	return s.db.Create(&row).Error
}

// UpsertReputation updates the diagnostic score snapshot for a node.
func (s *Store) UpsertReputation(nodeID int, score float64, totalVotes, violations uint64, at time.Time) error {
	row := Reputation{NodeID: nodeID, Score: score, TotalVotes: totalVotes, Violations: violations, LastUpdated: at}
	return s.db.Save(&row).Error
}

// GetReputation returns the latest snapshot for a node, or ok=false if none
// has been recorded yet.
func (s *Store) GetReputation(nodeID int) (Reputation, bool, error) {
	var row Reputation
	err := s.db.First(&row, "node_id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reputation{}, false, nil
	}
	if err != nil {
		return Reputation{}, false, err
	}
	return row, true, nil
}

// CountViolationsSince counts violation rows for nodeID detected at or
// after since, used by the detector's ban-escalation policy.
func (s *Store) CountViolationsSince(nodeID int, since time.Time) (int, error) {
	var count int64
	err := s.db.Model(&Violation{}).
		Where("node_id = ? AND detected_at >= ?", nodeID, since).
		Count(&count).Error
	return int(count), err
}

// CountViolationsByKindSince counts violation rows of the given kind for
// nodeID detected at or after since, used to escalate repeat-offence
// violation kinds (e.g. SilentTimeout) independently of the overall ban
// policy's mixed-kind count.
func (s *Store) CountViolationsByKindSince(nodeID int, kind string, since time.Time) (int, error) {
	var count int64
	err := s.db.Model(&Violation{}).
		Where("node_id = ? AND kind = ? AND detected_at >= ?", nodeID, kind, since).
		Count(&count).Error
	return int(count), err
}

// RecordSubmissionAttempt inserts or updates the submissions row for tx_id,
// tracking the discoverer's attempt through Submitting/Confirmed/Aborted*.
func (s *Store) RecordSubmissionAttempt(txID []byte, value uint64, participants []int, state model.TxState, createdAt time.Time) error {
	encoded, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	var existing Submission
	err = s.db.First(&existing, "tx_id = ?", string(txID)).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := Submission{
			ID:           uuid.New(),
			TxID:         string(txID),
			Value:        value,
			Participants: string(encoded),
			State:        string(state),
			CreatedAt:    createdAt,
		}
		return s.db.Create(&row).Error
	case err != nil:
		return err
	default:
		existing.State = string(state)
		existing.Participants = string(encoded)
		return s.db.Save(&existing).Error
	}
}

// MarkConfirmed sets the confirmed_at timestamp on the single submissions
// row for tx_id. Called at most once per tx_id (spec.md P5).
func (s *Store) MarkConfirmed(txID []byte, confirmedAt time.Time) error {
	return s.db.Model(&Submission{}).
		Where("tx_id = ?", string(txID)).
		Updates(map[string]any{"state": string(model.StateConfirmed), "confirmed_at": confirmedAt}).Error
}

// ArchiveOlderThan moves submissions rows whose created_at predates cutoff
// into submissions_archive, the C7 daily archival task (spec.md §4.7).
func (s *Store) ArchiveOlderThan(cutoff time.Time) (int, error) {
	var rows []Submission
	if err := s.db.Where("created_at < ?", cutoff).Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return len(rows), s.db.Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			archived := SubmissionArchive{
				ID:           r.ID,
				TxID:         r.TxID,
				Value:        r.Value,
				Participants: r.Participants,
				State:        r.State,
				CreatedAt:    r.CreatedAt,
				ConfirmedAt:  r.ConfirmedAt,
				ArchivedAt:   time.Now().UTC(),
			}
			if err := tx.Create(&archived).Error; err != nil {
				return err
			}
			if err := tx.Delete(&Submission{}, "id = ?", r.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
