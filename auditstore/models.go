// Package auditstore implements C3: an append-only relational log of votes,
// violations, reputation, and submission outcomes. Grounded on
// services/otc-gateway/models/models.go's gorm model + AutoMigrate pattern,
// adapted from OTC invoice/voucher records to vote-coordination records.
package auditstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VoteHistory is one durably-recorded vote; unique per (TxID, NodeID)
// enforces spec.md P3 at the audit-store layer.
type VoteHistory struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxID       string    `gorm:"size:128;uniqueIndex:idx_vote_history_tx_node"`
	NodeID     int       `gorm:"uniqueIndex:idx_vote_history_tx_node"`
	Value      uint64
	Signature  []byte `gorm:"type:blob"`
	PublicKey  []byte `gorm:"type:blob"`
	ObservedAt time.Time
}

// Violation is an append-only record of detected misbehavior (spec.md P6).
type Violation struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	NodeID     int       `gorm:"index"`
	Kind       string    `gorm:"size:32;index"`
	TxID       string    `gorm:"size:128;index"`
	Evidence   []byte    `gorm:"type:blob"`
	DetectedAt time.Time
	Sanction   string `gorm:"size:32"`
}

// Reputation is the latest diagnostic snapshot for a node; not on the
// critical path, used by admission policy and status reporting.
type Reputation struct {
	NodeID      int `gorm:"primaryKey"`
	Score       float64
	TotalVotes  uint64
	Violations  uint64
	LastUpdated time.Time
}

// Submission is one confirmed-or-attempted downstream submission; unique
// TxID enforces spec.md P5 (at-most-one submission per transaction).
type Submission struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxID         string    `gorm:"size:128;uniqueIndex"`
	Value        uint64
	Participants string `gorm:"type:text"` // JSON-encoded []int
	State        string `gorm:"size:32;index"`
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
}

// SubmissionArchive has the identical shape to Submission; it is the move
// target for C7's daily archival of rows older than the retention horizon.
type SubmissionArchive struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxID         string    `gorm:"size:128;uniqueIndex"`
	Value        uint64
	Participants string `gorm:"type:text"`
	State        string `gorm:"size:32;index"`
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
	ArchivedAt   time.Time
}

// AutoMigrate creates or updates every audit-store table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VoteHistory{},
		&Violation{},
		&Reputation{},
		&Submission{},
		&SubmissionArchive{},
	)
}
