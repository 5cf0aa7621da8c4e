package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"votara/services/coordinator/apperr"
	"votara/services/coordinator/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testOptions() []models.Option {
	return []models.Option{{ID: 0, Label: "yes"}, {ID: 1, Label: "no"}}
}

func TestInsertDraftPoll(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	poll, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "Desc", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, models.PollStatusDraft, poll.Status)

	_, err = s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "Desc", testOptions(), now, now.Add(time.Hour))
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.Conflict, appErr.Kind)
}

func TestInsertDraftPollRejectsBadOptions(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "", []models.Option{{ID: 0, Label: "only"}}, now, now.Add(time.Hour))
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.Validation, appErr.Kind)
}

func TestSetRosterAndApplyActivation(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "Desc", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)

	outcome, err := s.ApplyActivation(ctx, "0xabc", "42", "0xtx", 10)
	require.NoError(t, err)
	require.Equal(t, ActivationMissingRoster, outcome)

	require.NoError(t, s.SetRoster(ctx, "0xabc", []string{"111", "222"}))

	outcome, err = s.ApplyActivation(ctx, "0xabc", "42", "0xtx", 10)
	require.NoError(t, err)
	require.Equal(t, ActivationApplied, outcome)

	result, err := s.GetPoll(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, models.PollStatusActive, result.Poll.Status)
	require.Equal(t, "42", result.Poll.GroupID)

	outcome, err = s.ApplyActivation(ctx, "0xabc", "99", "0xtx2", 11)
	require.NoError(t, err)
	require.Equal(t, ActivationAlreadyActive, outcome)
}

func TestEffectiveStatusAdvancesToEndedOnRead(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "Desc", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.SetRoster(ctx, "0xabc", []string{"111"}))
	_, err = s.ApplyActivation(ctx, "0xabc", "42", "0xtx", 10)
	require.NoError(t, err)

	result, err := s.GetPoll(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, models.PollStatusActive, result.Poll.Status)
	require.Equal(t, models.PollStatusActive, result.EffectiveStatus)

	// The stored row never advances past ACTIVE on its own; the ENDED
	// transition is computed relative to Store.Now at read time (§3).
	s.Now = func() time.Time { return now.Add(2 * time.Hour) }

	result, err = s.GetPoll(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, models.PollStatusActive, result.Poll.Status)
	require.Equal(t, models.PollStatusEnded, result.EffectiveStatus)

	ended := models.PollStatusEnded
	listed, err := s.ListPolls(ctx, ListFilter{Status: &ended})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "0xabc", listed[0].Poll.ID)

	active := models.PollStatusActive
	listed, err = s.ListPolls(ctx, ListFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, listed, 0)
}

func TestUpsertVoteDeduplicatesByNullifier(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "Desc", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.SetRoster(ctx, "0xabc", []string{"111"}))
	_, err = s.ApplyActivation(ctx, "0xabc", "1", "0xtx", 1)
	require.NoError(t, err)

	outcome, err := s.UpsertVote(ctx, "0xabc", 0, "0xnull1", "0xtx1", 5)
	require.NoError(t, err)
	require.Equal(t, VoteInserted, outcome)

	outcome, err = s.UpsertVote(ctx, "0xabc", 1, "0xnull1", "0xtx2", 6)
	require.NoError(t, err)
	require.Equal(t, VoteDuplicate, outcome)

	outcome, err = s.UpsertVote(ctx, "0xabc", 9, "0xnull2", "0xtx3", 7)
	require.NoError(t, err)
	require.Equal(t, VoteBadOption, outcome)

	_, counts, total, err := s.Results(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, int64(1), counts[0])
	require.Equal(t, int64(0), counts[1])
}

func TestUpdateMetadataRequiresCreatorAndDraft(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "Title", "Desc", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)

	title := "New Title"
	_, err = s.UpdateMetadata(ctx, "0xabc", "0xSomeoneElse", &title, nil)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.Forbidden, appErr.Kind)

	updated, err := s.UpdateMetadata(ctx, "0xabc", "0xCreator", &title, nil)
	require.NoError(t, err)
	require.Equal(t, title, updated.Title)
}

func TestAcquireLeaseAndAdvanceCursor(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	lease, err := s.AcquireLease(ctx, "holder-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(0), lease.LastBlockScanned)

	_, err = s.AcquireLease(ctx, "holder-b", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	err = s.AdvanceCursor(ctx, "holder-a", 100, func(tx *Store) error { return nil })
	require.NoError(t, err)

	lease, err = s.AcquireLease(ctx, "holder-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(100), lease.LastBlockScanned)
}

func TestListPollsFiltersByStatus(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0x1", "0xA", "t1", "", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.InsertDraftPoll(ctx, "0x2", "0xB", "t2", "", testOptions(), now, now.Add(time.Hour))
	require.NoError(t, err)

	draft := models.PollStatusDraft
	results, err := s.ListPolls(ctx, ListFilter{Status: &draft})
	require.NoError(t, err)
	require.Len(t, results, 2)
}
