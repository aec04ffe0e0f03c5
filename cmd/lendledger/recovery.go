package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/state"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// recoverCore brings a genesis core up to the tip of the operation log:
// restore the latest verified snapshot, replay what follows it, warm the
// dedup cache and cross-check the result against the persisted state.
func recoverCore(ctx context.Context, db *sql.DB, c *core.DeterministicCore, warmSize int, logger zerolog.Logger) error {
	snapMgr := persistence.NewSnapshotManager(db)

	var snap core.SnapshotState
	found, err := snapMgr.LoadLatestSnapshot(ctx, &snap)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if found {
		if err := c.RestoreFromSnapshot(&snap); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("no verified snapshot, replaying from genesis")
	}

	replayed, err := replayLog(ctx, snapMgr, c)
	if err != nil {
		return err
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Uint64("block", c.Block()).
		Msg("operation log replayed")

	if warmSize > 0 {
		ids, err := persistence.NewPostgresIdempotencyChecker(db).RecentOperationIDs(ctx, warmSize)
		if err != nil {
			return fmt.Errorf("warm dedup cache: %w", err)
		}
		c.WarmLRU(ids)
	}

	return verifyAgainstStore(ctx, persistence.NewStateLoader(db), c)
}

func replayLog(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore) (int64, error) {
	var n int64
	for {
		ops, err := snapMgr.LoadOperationsFrom(ctx, c.GetSequence()+1, replayPageSize)
		if err != nil {
			return n, fmt.Errorf("load operations from %d: %w", c.GetSequence()+1, err)
		}
		for _, op := range ops {
			env, err := op.Envelope()
			if err != nil {
				return n, fmt.Errorf("decode operation %d: %w", op.Sequence, err)
			}
			if err := c.Replay(env, op.Sequence, op.Hash()); err != nil {
				return n, err
			}
			n++
		}
		if len(ops) < replayPageSize {
			return n, nil
		}
	}
}

// verifyAgainstStore compares the recovered core with the state tables.
// The two are written in one transaction, so any difference is corruption.
func verifyAgainstStore(ctx context.Context, loader *persistence.StateLoader, c *core.DeterministicCore) error {
	meta, ok, err := loader.LoadMeta(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if c.GetSequence() != 0 {
			return fmt.Errorf("verify: log reaches sequence %d but no state is stored", c.GetSequence())
		}
		return nil
	}
	if meta.Sequence != c.GetSequence() {
		return fmt.Errorf("verify: stored state at sequence %d, log at %d", meta.Sequence, c.GetSequence())
	}
	if meta.StateHash != c.GetStateHash() {
		return fmt.Errorf("verify: state hash %x, stored %x", c.GetStateHash(), meta.StateHash)
	}

	stored, err := loader.LoadState(ctx)
	if err != nil {
		return err
	}
	st := state.NewState()
	st.Apply(stored)
	if !bytes.Equal(st.Export().Digest(), c.Export().Digest()) {
		return fmt.Errorf("verify: stored state records differ from replayed state at sequence %d", meta.Sequence)
	}
	return nil
}

// takeSnapshot saves the core state and marks it verified once the
// persisted state has caught up with it. Unverified snapshots are never
// restored.
func takeSnapshot(ctx context.Context, db *sql.DB, c *core.DeterministicCore, metrics *observability.Metrics, logger zerolog.Logger) {
	start := time.Now()
	snap := c.CreateSnapshotState()
	if snap.Sequence == 0 {
		return
	}

	snapMgr := persistence.NewSnapshotManager(db)
	if err := snapMgr.SaveSnapshot(ctx, snap.Sequence, snap.StateHash, snap); err != nil {
		logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("save snapshot failed")
		return
	}

	meta, ok, err := persistence.NewStateLoader(db).LoadMeta(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("load meta for snapshot verification failed")
		return
	}
	if !ok || meta.Sequence < snap.Sequence {
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved ahead of persistence, left unverified")
		return
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("mark snapshot verified failed")
		return
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	logger.Info().
		Int64("sequence", snap.Sequence).
		Dur("duration", time.Since(start)).
		Msg("snapshot taken")
}
