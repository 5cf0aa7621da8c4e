// Package models defines the gorm schema backing the Coordinator's
// Metadata Store: Poll, PollVote, User, and the singleton TailCursor.
package models

import (
	"time"

	"gorm.io/gorm"
)

// PollStatus is the poll lifecycle discriminator. Values only ever advance
// DRAFT -> ACTIVE -> ENDED; the store layer enforces this, never the type.
type PollStatus string

const (
	PollStatusDraft  PollStatus = "DRAFT"
	PollStatusActive PollStatus = "ACTIVE"
	PollStatusEnded  PollStatus = "ENDED"
)

// Option is one selectable choice on a poll. Options are stored inline as a
// jsonb column on Poll and are immutable once the poll leaves DRAFT.
type Option struct {
	ID    uint8  `json:"id"`
	Label string `json:"label"`
}

// Poll is the durable record of a poll's metadata, lifecycle status, and
// group/roster binding. groupId and activationTxHash are owned exclusively
// by the Chain Tail once a poll is no longer DRAFT.
type Poll struct {
	ID                string     `gorm:"column:id;primaryKey;size:66"`
	CreatorAddress    string     `gorm:"column:creator_address;size:42;index:idx_poll_created_by"`
	Title             string     `gorm:"column:title;size:256"`
	Description       string     `gorm:"column:description;type:text"`
	OptionsJSON       []byte     `gorm:"column:options;type:jsonb"`
	StartTime         time.Time  `gorm:"column:start_time"`
	EndTime           time.Time  `gorm:"column:end_time"`
	Status            PollStatus `gorm:"column:status;size:16;index:idx_poll_status"`
	GroupID           string     `gorm:"column:group_id;size:78"`
	ActivationTxHash  string     `gorm:"column:activation_tx_hash;size:66"`
	MembershipRoster  []byte     `gorm:"column:membership_roster;type:jsonb"`
	PendingCreatorTag string     `gorm:"column:pending_creator_tag;size:66"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`

	Votes []PollVote `gorm:"foreignKey:PollID"`
}

func (Poll) TableName() string { return "poll" }

// PollVote is one idempotently-applied VoteCast event. NullifierHash is
// globally unique (V1): two observations of the same nullifier collapse to
// one row via the unique index, never a second insert.
type PollVote struct {
	NullifierHash string    `gorm:"column:nullifier_hash;primaryKey;size:78"`
	PollID        string    `gorm:"column:poll_id;size:66;index:idx_vote_poll_id"`
	OptionIndex   uint8     `gorm:"column:option_index"`
	BlockNumber   uint64    `gorm:"column:block_number"`
	TxHash        string    `gorm:"column:tx_hash;size:66"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (PollVote) TableName() string { return "poll_vote" }

// PendingCreatorBinding records a PollCreated observation seen before any
// matching draft exists (OQ-1: API-first creation). It is consulted, never
// overwritten, once a draft with the same id later appears.
type PendingCreatorBinding struct {
	PollID         string    `gorm:"column:poll_id;primaryKey;size:66"`
	CreatorAddress string    `gorm:"column:creator_address;size:42"`
	TxHash         string    `gorm:"column:tx_hash;size:66"`
	BlockNumber    uint64    `gorm:"column:block_number"`
	ObservedAt     time.Time `gorm:"column:observed_at"`
}

func (PendingCreatorBinding) TableName() string { return "pending_creator_binding" }

// User is a normalized ledger address that has completed the login flow.
// No PII is stored; the address itself is the identity.
type User struct {
	Address   string    `gorm:"column:address;primaryKey;size:42"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string { return "user" }

// TailCursor is a true singleton row (ID=1) guarding the Chain Tail's
// progress and single-instance lease (T1, §5).
type TailCursor struct {
	ID              uint      `gorm:"column:id;primaryKey"`
	LastBlockScanned uint64   `gorm:"column:last_block_scanned"`
	LeasedBy        string    `gorm:"column:leased_by;size:64"`
	LeaseExpiresAt  time.Time `gorm:"column:lease_expires_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (TailCursor) TableName() string { return "tail_cursor" }

// SingletonTailCursorID is the fixed primary key of the one TailCursor row.
const SingletonTailCursorID = 1

// AutoMigrate performs all schema migrations for the Coordinator and seeds
// the singleton tail cursor row if absent.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Poll{},
		&PollVote{},
		&PendingCreatorBinding{},
		&User{},
		&TailCursor{},
	); err != nil {
		return err
	}
	return db.FirstOrCreate(&TailCursor{ID: SingletonTailCursorID}, TailCursor{ID: SingletonTailCursorID}).Error
}
