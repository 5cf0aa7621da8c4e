package tail

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"votara/services/coordinator/chain"
	"votara/services/coordinator/models"
	"votara/services/coordinator/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type fakeChain struct {
	latest uint64
	events []chain.Event
}

func (f *fakeChain) LatestBlock(ctx context.Context) (uint64, error) { return f.latest, nil }

func (f *fakeChain) FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]chain.Event, error) {
	var out []chain.Event
	for _, e := range f.events {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestStepAppliesEventsInOrderAndAdvancesCursor(t *testing.T) {
	s := store.New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertDraftPoll(ctx, "0xabc", "0xCreator", "t", "", []models.Option{{ID: 0, Label: "a"}, {ID: 1, Label: "b"}}, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.SetRoster(ctx, "0xabc", []string{"1"}))

	fake := &fakeChain{
		latest: 20,
		events: []chain.Event{
			{Name: chain.EventVoteCast, BlockNumber: 15, LogIndex: 1, PollID: "0xabc", OptionIndex: 0, Nullifier: "n2"},
			{Name: chain.EventPollActivated, BlockNumber: 10, LogIndex: 0, PollID: "0xabc", GroupID: "7", TxHash: "0xtx"},
			{Name: chain.EventVoteCast, BlockNumber: 15, LogIndex: 0, PollID: "0xabc", OptionIndex: 1, Nullifier: "n1"},
		},
	}

	tl := &Tail{
		Chain:         fake,
		Store:         s,
		PollInterval:  time.Millisecond,
		MaxWindow:     2000,
		Confirmations: 0,
		HolderID:      "tester",
	}

	require.NoError(t, tl.step(ctx))

	result, err := s.GetPoll(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, models.PollStatusActive, result.Poll.Status)
	require.Equal(t, int64(2), result.VoteCount)

	lease, err := s.AcquireLease(ctx, "tester", time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(20), lease.LastBlockScanned)
}

func TestStepRespectsMaxWindow(t *testing.T) {
	s := store.New(setupTestDB(t))
	ctx := context.Background()

	fake := &fakeChain{latest: 5000}
	tl := &Tail{
		Chain:         fake,
		Store:         s,
		PollInterval:  time.Millisecond,
		MaxWindow:     100,
		Confirmations: 0,
		HolderID:      "tester",
	}

	require.NoError(t, tl.step(ctx))

	lease, err := s.AcquireLease(ctx, "tester", time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(100), lease.LastBlockScanned)
}
