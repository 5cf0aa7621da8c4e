// Package store implements the Metadata Store (C1): a transactional DAO
// over the Poll, PollVote, User, and TailCursor tables. Every mutation runs
// as a single transaction; status transitions are conditional updates so
// concurrent Tail applies are naturally idempotent, the same discipline
// server.go's transitionInvoice enforces with clause.Locking.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"votara/services/coordinator/apperr"
	"votara/services/coordinator/models"
)

// Store wraps a *gorm.DB with the Coordinator's domain operations.
type Store struct {
	db  *gorm.DB
	Now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

const maxListLimit = 50

// ActivationOutcome discriminates the result of ApplyActivation so the Tail
// can branch without string-matching errors (§4.4's handler table).
type ActivationOutcome string

const (
	ActivationApplied       ActivationOutcome = "Applied"
	ActivationAlreadyActive ActivationOutcome = "AlreadyActive"
	ActivationMissingRoster ActivationOutcome = "MissingRoster"
	ActivationNotFound      ActivationOutcome = "NotFound"
)

// VoteOutcome discriminates the result of UpsertVote.
type VoteOutcome string

const (
	VoteInserted  VoteOutcome = "Inserted"
	VoteDuplicate VoteOutcome = "Duplicate"
	VoteBadOption VoteOutcome = "BadOption"
	VoteNotFound  VoteOutcome = "NotFound"
)

// InsertDraftPoll creates a poll in DRAFT status with an empty roster.
func (s *Store) InsertDraftPoll(ctx context.Context, pollID, creatorAddress, title, description string, options []models.Option, startTime, endTime time.Time) (*models.Poll, error) {
	if len(options) < 2 || len(options) > 256 {
		return nil, apperr.Validationf("options must contain between 2 and 256 entries")
	}
	for i, opt := range options {
		if int(opt.ID) != i {
			return nil, apperr.Validationf("option ids must be dense starting at 0")
		}
	}
	if !startTime.Before(endTime) {
		return nil, apperr.Validationf("startTime must be before endTime")
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode options", err)
	}

	now := s.Now().UTC()
	poll := &models.Poll{
		ID:               pollID,
		CreatorAddress:   creatorAddress,
		Title:            title,
		Description:      description,
		OptionsJSON:      optionsJSON,
		StartTime:        startTime,
		EndTime:          endTime,
		Status:           models.PollStatusDraft,
		GroupID:          "0",
		MembershipRoster: []byte("[]"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "id = ?", pollID).Error
		switch {
		case err == nil:
			return apperr.Conflictf("poll %s already exists", pollID)
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return apperr.Wrap(apperr.Internal, "load poll", err)
		}

		var pending models.PendingCreatorBinding
		if err := tx.First(&pending, "poll_id = ?", pollID).Error; err == nil {
			poll.PendingCreatorTag = pending.TxHash
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Wrap(apperr.Internal, "load pending creator binding", err)
		}

		if err := tx.Create(poll).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "insert poll", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return poll, nil
}

// SetRoster atomically sets the membership roster on a DRAFT poll (I5).
func (s *Store) SetRoster(ctx context.Context, pollID string, commitments []string) error {
	commitmentsJSON, err := json.Marshal(commitments)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode roster", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&poll, "id = ?", pollID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFoundf("poll %s not found", pollID)
			}
			return apperr.Wrap(apperr.Internal, "load poll", err)
		}
		if poll.Status != models.PollStatusDraft {
			return apperr.Conflictf("poll %s is not DRAFT", pollID)
		}
		if len(poll.MembershipRoster) > 2 && string(poll.MembershipRoster) != "[]" {
			return apperr.Conflictf("roster already set for poll %s", pollID)
		}

		return tx.Model(&models.Poll{}).Where("id = ?", pollID).Updates(map[string]any{
			"membership_roster": commitmentsJSON,
			"updated_at":        s.Now().UTC(),
		}).Error
	})
}

// ApplyActivation upserts the ACTIVE transition iff the poll is DRAFT with a
// non-empty roster (I2). Idempotent: repeat application returns
// AlreadyActive rather than erroring.
func (s *Store) ApplyActivation(ctx context.Context, pollID, groupID, txHash string, blockNumber uint64) (ActivationOutcome, error) {
	var outcome ActivationOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&poll, "id = ?", pollID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = ActivationNotFound
				return nil
			}
			return apperr.Wrap(apperr.Internal, "load poll", err)
		}
		if poll.Status == models.PollStatusActive || poll.Status == models.PollStatusEnded {
			outcome = ActivationAlreadyActive
			return nil
		}
		if len(poll.MembershipRoster) <= 2 {
			outcome = ActivationMissingRoster
			return nil
		}
		if err := tx.Model(&models.Poll{}).Where("id = ?", pollID).Updates(map[string]any{
			"status":             models.PollStatusActive,
			"group_id":           groupID,
			"activation_tx_hash": txHash,
			"updated_at":         s.Now().UTC(),
		}).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "apply activation", err)
		}
		_ = blockNumber // carried for audit/log context by the caller, not a store column
		outcome = ActivationApplied
		return nil
	})
	return outcome, err
}

// UpsertVote idempotently records a VoteCast event. Duplicate nullifiers
// collapse to VoteDuplicate via the unique primary key on nullifier_hash.
func (s *Store) UpsertVote(ctx context.Context, pollID string, optionIndex uint8, nullifierHash, txHash string, blockNumber uint64) (VoteOutcome, error) {
	var outcome VoteOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.First(&poll, "id = ?", pollID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = VoteNotFound
				return nil
			}
			return apperr.Wrap(apperr.Internal, "load poll", err)
		}
		var options []models.Option
		if err := json.Unmarshal(poll.OptionsJSON, &options); err != nil {
			return apperr.Wrap(apperr.Internal, "decode options", err)
		}
		if int(optionIndex) >= len(options) {
			outcome = VoteBadOption
			return nil
		}

		var existing models.PollVote
		err := tx.First(&existing, "nullifier_hash = ?", nullifierHash).Error
		switch {
		case err == nil:
			outcome = VoteDuplicate
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return apperr.Wrap(apperr.Internal, "load vote", err)
		}

		vote := &models.PollVote{
			NullifierHash: nullifierHash,
			PollID:        pollID,
			OptionIndex:   optionIndex,
			BlockNumber:   blockNumber,
			TxHash:        txHash,
			CreatedAt:     s.Now().UTC(),
		}
		if err := tx.Create(vote).Error; err != nil {
			if isUniqueViolation(err) {
				outcome = VoteDuplicate
				return nil
			}
			return apperr.Wrap(apperr.Internal, "insert vote", err)
		}
		outcome = VoteInserted
		return nil
	})
	return outcome, err
}

// UpdateMetadata updates title/description; only permitted while DRAFT and
// only by the poll's creator.
func (s *Store) UpdateMetadata(ctx context.Context, pollID, actor string, title, description *string) (*models.Poll, error) {
	var updated models.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&poll, "id = ?", pollID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFoundf("poll %s not found", pollID)
			}
			return apperr.Wrap(apperr.Internal, "load poll", err)
		}
		if poll.CreatorAddress != actor {
			return apperr.New(apperr.Forbidden, "only the poll creator may edit metadata")
		}
		if poll.Status != models.PollStatusDraft {
			return apperr.Conflictf("poll %s is not DRAFT", pollID)
		}
		updates := map[string]any{"updated_at": s.Now().UTC()}
		if title != nil {
			updates["title"] = *title
		}
		if description != nil {
			updates["description"] = *description
		}
		if err := tx.Model(&models.Poll{}).Where("id = ?", pollID).Updates(updates).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "update poll", err)
		}
		return tx.First(&updated, "id = ?", pollID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListFilter narrows ListPolls.
type ListFilter struct {
	Status  *models.PollStatus
	Creator *string
	Page    int
	Limit   int
}

// ListResult is one page of polls with a vote count computed per poll.
type ListResult struct {
	Poll      models.Poll
	VoteCount int64
	// EffectiveStatus is the Poll's status with the DRAFT->ACTIVE->ENDED
	// advance-on-read rule applied (§3: "computed on read"). The stored
	// `status` column only ever reaches ACTIVE via the Tail; ENDED is never
	// persisted unless a future sweeper chooses to materialize it.
	EffectiveStatus models.PollStatus
}

// effectiveStatus applies spec.md §3's wall-clock ENDED transition without
// mutating the stored column: ACTIVE polls past their endTime read as ENDED.
func effectiveStatus(p models.Poll, now time.Time) models.PollStatus {
	if p.Status == models.PollStatusActive && !p.EndTime.After(now) {
		return models.PollStatusEnded
	}
	return p.Status
}

// ListPolls returns a page of polls, clamping limit to 50. A status filter
// of ENDED or ACTIVE is evaluated against the computed status (§3), since
// the stored column never advances past ACTIVE on its own.
func (s *Store) ListPolls(ctx context.Context, filter ListFilter) ([]ListResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	now := s.Now().UTC()
	q := s.db.WithContext(ctx).Model(&models.Poll{})
	switch {
	case filter.Status == nil:
	case *filter.Status == models.PollStatusEnded:
		q = q.Where("status = ? OR (status = ? AND end_time <= ?)", models.PollStatusEnded, models.PollStatusActive, now)
	case *filter.Status == models.PollStatusActive:
		q = q.Where("status = ? AND end_time > ?", models.PollStatusActive, now)
	default:
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Creator != nil {
		q = q.Where("creator_address = ?", *filter.Creator)
	}

	var polls []models.Poll
	if err := q.Order("created_at desc").Offset((page - 1) * limit).Limit(limit).Find(&polls).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list polls", err)
	}

	results := make([]ListResult, 0, len(polls))
	for _, p := range polls {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.PollVote{}).Where("poll_id = ?", p.ID).Count(&count).Error; err != nil {
			return nil, apperr.Wrap(apperr.Internal, "count votes", err)
		}
		results = append(results, ListResult{Poll: p, VoteCount: count, EffectiveStatus: effectiveStatus(p, now)})
	}
	return results, nil
}

// GetPoll fetches a single poll by id with its computed vote count.
func (s *Store) GetPoll(ctx context.Context, pollID string) (*ListResult, error) {
	var poll models.Poll
	if err := s.db.WithContext(ctx).First(&poll, "id = ?", pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFoundf("poll %s not found", pollID)
		}
		return nil, apperr.Wrap(apperr.Internal, "load poll", err)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.PollVote{}).Where("poll_id = ?", pollID).Count(&count).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "count votes", err)
	}
	return &ListResult{Poll: poll, VoteCount: count, EffectiveStatus: effectiveStatus(poll, s.Now().UTC())}, nil
}

// Results computes per-option vote counts for a poll.
func (s *Store) Results(ctx context.Context, pollID string) (options []models.Option, counts []int64, total int64, err error) {
	var poll models.Poll
	if err := s.db.WithContext(ctx).First(&poll, "id = ?", pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, 0, apperr.NotFoundf("poll %s not found", pollID)
		}
		return nil, nil, 0, apperr.Wrap(apperr.Internal, "load poll", err)
	}
	if jsonErr := json.Unmarshal(poll.OptionsJSON, &options); jsonErr != nil {
		return nil, nil, 0, apperr.Wrap(apperr.Internal, "decode options", jsonErr)
	}
	counts = make([]int64, len(options))

	type row struct {
		OptionIndex uint8
		Count       int64
	}
	var rows []row
	if dbErr := s.db.WithContext(ctx).Model(&models.PollVote{}).
		Select("option_index, count(*) as count").
		Where("poll_id = ?", pollID).
		Group("option_index").
		Scan(&rows).Error; dbErr != nil {
		return nil, nil, 0, apperr.Wrap(apperr.Internal, "aggregate votes", dbErr)
	}
	for _, r := range rows {
		if int(r.OptionIndex) < len(counts) {
			counts[int(r.OptionIndex)] = r.Count
		}
		total += r.Count
	}
	return options, counts, total, nil
}

// RecordPendingCreatorBinding stamps a soft creator binding for a
// PollCreated event seen with no matching draft yet (OQ-1). Ignored on
// subsequent duplicates.
func (s *Store) RecordPendingCreatorBinding(ctx context.Context, pollID, creatorAddress, txHash string, blockNumber uint64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.PendingCreatorBinding{
		PollID:         pollID,
		CreatorAddress: creatorAddress,
		TxHash:         txHash,
		BlockNumber:    blockNumber,
		ObservedAt:     s.Now().UTC(),
	}).Error
}

// UpsertUser records (or refreshes) a logged-in ledger address.
func (s *Store) UpsertUser(ctx context.Context, address string) error {
	now := s.Now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
	}).Create(&models.User{Address: address, CreatedAt: now, UpdatedAt: now}).Error
}

// CursorLease is the result of acquiring (or renewing) the Tail's advisory
// lease over the singleton TailCursor row (§5: single-instance Tail).
type CursorLease struct {
	LastBlockScanned uint64
}

// ErrLeaseHeld reports that another holder owns an unexpired tail cursor lease.
var ErrLeaseHeld = errors.New("tail cursor lease held by another instance")

// AcquireLease attempts to take over the tail cursor lease for holder,
// succeeding if unheld or expired. Returns ErrLeaseHeld otherwise.
func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (*CursorLease, error) {
	var lease CursorLease
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor models.TailCursor
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cursor, "id = ?", models.SingletonTailCursorID).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "load tail cursor", err)
		}
		now := s.Now().UTC()
		if cursor.LeasedBy != "" && cursor.LeasedBy != holder && now.Before(cursor.LeaseExpiresAt) {
			return ErrLeaseHeld
		}
		if err := tx.Model(&models.TailCursor{}).Where("id = ?", models.SingletonTailCursorID).Updates(map[string]any{
			"leased_by":        holder,
			"lease_expires_at": now.Add(ttl),
			"updated_at":       now,
		}).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "acquire lease", err)
		}
		lease.LastBlockScanned = cursor.LastBlockScanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// AdvanceCursor commits the new tail height inside the same transaction as
// the batch of events it guards (T1, G3). fn receives the transaction so
// callers can apply their batch of store writes atomically with the cursor
// advance.
func (s *Store) AdvanceCursor(ctx context.Context, holder string, newHeight uint64, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor models.TailCursor
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cursor, "id = ?", models.SingletonTailCursorID).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "load tail cursor", err)
		}
		if cursor.LeasedBy != holder {
			return ErrLeaseHeld
		}
		if newHeight < cursor.LastBlockScanned {
			return fmt.Errorf("refusing to move cursor backward: %d < %d", newHeight, cursor.LastBlockScanned)
		}
		txStore := &Store{db: tx, Now: s.Now}
		if fn != nil {
			if err := fn(txStore); err != nil {
				return err
			}
		}
		return tx.Model(&models.TailCursor{}).Where("id = ?", models.SingletonTailCursorID).Updates(map[string]any{
			"last_block_scanned": newHeight,
			"updated_at":         s.Now().UTC(),
		}).Error
	})
}

// ExportRow is the flat shape the recon package reads votes back as.
type ExportRow struct {
	PollID        string
	NullifierHash string
	OptionIndex   uint8
	BlockNumber   uint64
	TxHash        string
	CreatedAt     time.Time
}

// VotesForExport returns every vote recorded for one poll, oldest first.
func (s *Store) VotesForExport(ctx context.Context, pollID string) ([]ExportRow, error) {
	var votes []models.PollVote
	if err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Order("created_at asc").Find(&votes).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load votes for export", err)
	}
	return toExportRows(votes), nil
}

// VotesInWindow returns every vote recorded in [start, end), across all
// polls, for the nightly reconciliation export.
func (s *Store) VotesInWindow(ctx context.Context, start, end time.Time) ([]ExportRow, error) {
	var votes []models.PollVote
	if err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start.UTC(), end.UTC()).
		Order("created_at asc").
		Find(&votes).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load votes in window", err)
	}
	return toExportRows(votes), nil
}

func toExportRows(votes []models.PollVote) []ExportRow {
	rows := make([]ExportRow, len(votes))
	for i, v := range votes {
		rows[i] = ExportRow{
			PollID:        v.PollID,
			NullifierHash: v.NullifierHash,
			OptionIndex:   v.OptionIndex,
			BlockNumber:   v.BlockNumber,
			TxHash:        v.TxHash,
			CreatedAt:     v.CreatedAt,
		}
	}
	return rows
}

// isUniqueViolation distinguishes a unique-constraint violation (the race
// between the First lookup and this Create losing to a concurrent insert of
// the same nullifier) from any other insert failure, which must still
// propagate as an error rather than collapse to VoteDuplicate.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "Duplicate entry") // mysql-family drivers pulled in transitively
}
