// Package tail implements the Chain Tail (C4): a single-instance polling
// loop that advances the Coordinator's view of chain state block by block,
// grounded on otc-gateway/recon/scheduler.go's timer-driven loop structure
// but adapted from a once-nightly cadence to tail's continuous, backoff-on-
// error cadence.
package tail

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"votara/services/coordinator/apperr"
	"votara/services/coordinator/chain"
	"votara/services/coordinator/store"
)

// ChainReader is the subset of the Chain Gateway the tail depends on,
// narrow enough for tests to fake without a live RPC endpoint.
type ChainReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]chain.Event, error)
}

var _ ChainReader = (*chain.Gateway)(nil)

// State names the Chain Tail's state machine positions for logging and
// metrics; it is never branched on directly by Run, only observed.
type State string

const (
	StateIdle     State = "Idle"
	StateFetching State = "Fetching"
	StateApplying State = "Applying"
	StateAdvance  State = "Advancing"
	StateBackoff  State = "Backoff"
)

const (
	leaseTTL        = 30 * time.Second
	initialBackoff  = 2 * time.Second
	maxBackoff      = 60 * time.Second
)

// Tail owns the polling loop. One instance should run per deployment; the
// store's lease enforces this even if two are started by mistake.
type Tail struct {
	Chain         ChainReader
	Store         *store.Store
	PollInterval  time.Duration
	MaxWindow     uint64
	Confirmations uint64
	HolderID      string
	Logger        *slog.Logger

	// OnState is invoked on every state transition; nil-safe, used by the
	// metrics package to drive a gauge without tail importing metrics.
	OnState func(State)
	// OnEventsApplied is invoked with the count of events applied in one
	// Advancing step.
	OnEventsApplied func(n int)
}

func (t *Tail) emit(s State) {
	if t.OnState != nil {
		t.OnState(s)
	}
}

// Run drives the polling loop until ctx is cancelled. Every iteration walks
// Idle -> Fetching -> Applying -> Advancing -> Idle, or Idle -> Backoff ->
// Idle on any error, never leaving the store in a partially-advanced state
// (T1): the cursor only ever moves inside the same transaction as the
// events that justify the move.
func (t *Tail) Run(ctx context.Context) {
	backoff := initialBackoff
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.emit(StateIdle)
		if err := t.step(ctx); err != nil {
			t.emit(StateBackoff)
			if t.Logger != nil {
				t.Logger.Error("chain tail step failed", "error", err, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
	}
}

func (t *Tail) step(ctx context.Context) error {
	lease, err := t.Store.AcquireLease(ctx, t.HolderID, leaseTTL)
	if err != nil {
		if err == store.ErrLeaseHeld {
			return nil // another instance holds the lease; not an error condition
		}
		return err
	}

	latest, err := t.Chain.LatestBlock(ctx)
	if err != nil {
		return err
	}
	if latest < t.Confirmations {
		return nil
	}
	safeHeight := latest - t.Confirmations
	if safeHeight <= lease.LastBlockScanned {
		return nil
	}

	windowEnd := safeHeight
	if t.MaxWindow > 0 && windowEnd-lease.LastBlockScanned > t.MaxWindow {
		windowEnd = lease.LastBlockScanned + t.MaxWindow
	}

	t.emit(StateFetching)
	events, err := t.Chain.FetchLogs(ctx, lease.LastBlockScanned+1, windowEnd)
	if err != nil {
		return err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	t.emit(StateApplying)
	applied := 0
	applyErr := t.Store.AdvanceCursor(ctx, t.HolderID, windowEnd, func(tx *store.Store) error {
		for _, evt := range events {
			if err := t.apply(ctx, tx, evt); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if applyErr != nil {
		return applyErr
	}

	t.emit(StateAdvance)
	if t.OnEventsApplied != nil {
		t.OnEventsApplied(applied)
	}
	return nil
}

func (t *Tail) apply(ctx context.Context, tx *store.Store, evt chain.Event) error {
	switch evt.Name {
	case chain.EventPollCreated:
		return tx.RecordPendingCreatorBinding(ctx, evt.PollID, evt.Creator, evt.TxHash, evt.BlockNumber)
	case chain.EventPollActivated:
		_, err := tx.ApplyActivation(ctx, evt.PollID, evt.GroupID, evt.TxHash, evt.BlockNumber)
		return err
	case chain.EventVoteCast:
		_, err := tx.UpsertVote(ctx, evt.PollID, evt.OptionIndex, evt.Nullifier, evt.TxHash, evt.BlockNumber)
		return err
	default:
		return apperr.New(apperr.Internal, "unrecognized chain event "+evt.Name)
	}
}
