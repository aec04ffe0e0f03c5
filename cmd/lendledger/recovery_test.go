package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/protocol"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func persist(t *testing.T, db *sql.DB, outs []core.CoreOutput) {
	t.Helper()
	records := make(chan persistence.Record, len(outs))
	for _, o := range outs {
		records <- persistence.Record{Envelope: o.Envelope, Delta: o.Delta}
	}
	close(records)
	worker := persistence.NewPersistenceWorker(db, records, 2, 20*time.Millisecond, nil)
	require.NoError(t, worker.Run(context.Background()))
}

func TestBridgeProjectionDropsWhenFull(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	c, persistCh := testutil.NewCore(t, testutil.FlatGenesis(protocol.DOT))
	for i := 0; i < 3; i++ {
		testutil.MustSubmit(t, c, protocol.Signed(uuid.New()), &command.Deposit{
			Underlying: protocol.DOT, Amount: fpmath.FromInt(10),
		})
	}

	in := make(chan core.CoreOutput, 3)
	for _, o := range drain(persistCh) {
		in <- o
	}
	close(in)

	out := make(chan projection.Update, 1)
	bridgeProjection(in, out, metrics)

	first, ok := <-out
	require.True(t, ok)
	require.Equal(t, int64(1), first.Sequence)
	_, ok = <-out
	require.False(t, ok)
	require.Equal(t, 2.0, prom.ToFloat64(metrics.ProjectionDrops))
}

func TestBridgePersistForwardsEverything(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	c, persistCh := testutil.NewCore(t, testutil.FlatGenesis(protocol.DOT))
	testutil.MustSubmit(t, c, protocol.Signed(uuid.New()), &command.Deposit{
		Underlying: protocol.DOT, Amount: fpmath.FromInt(10),
	})
	testutil.MustSubmit(t, c, protocol.Signed(uuid.New()), &command.Deposit{
		Underlying: protocol.DOT, Amount: fpmath.FromInt(20),
	})

	in := make(chan core.CoreOutput, 2)
	for _, o := range drain(persistCh) {
		in <- o
	}
	close(in)

	out := make(chan persistence.Record, 2)
	publish := make(chan ingestion.PublishableEvent) // unbuffered, nobody reading
	bridgePersist(in, out, publish, metrics)

	var seqs []int64
	for rec := range out {
		seqs = append(seqs, rec.Envelope.Sequence)
	}
	require.Equal(t, []int64{1, 2}, seqs)
	require.Greater(t, prom.ToFloat64(metrics.PublishDrops), 0.0)
}

func TestRecoverCore_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	logger := zerolog.Nop()

	genesis := testutil.FlatGenesis(protocol.DOT, protocol.USDT)
	c, persistCh := testutil.NewCore(t, genesis)
	alice, bob := uuid.New(), uuid.New()

	first := testutil.Envelope(protocol.Signed(alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(1000)})
	_, err := c.Submit(first)
	require.NoError(t, err)
	testutil.MustSubmit(t, c, protocol.Signed(bob), &command.Deposit{Underlying: protocol.USDT, Amount: fpmath.FromInt(5000)})
	testutil.MustSubmit(t, c, protocol.Signed(alice), &command.Borrow{Underlying: protocol.USDT, Amount: fpmath.FromInt(200)})
	persist(t, db, drain(persistCh))

	// Snapshot at 3, then two operations only in the log.
	takeSnapshot(ctx, db, c, metrics, logger)
	require.Equal(t, 3.0, prom.ToFloat64(metrics.SnapshotLastSeq))

	testutil.MustSubmit(t, c, protocol.Root(), &command.AdvanceBlock{Block: 50})
	testutil.MustSubmit(t, c, protocol.Signed(alice), &command.Repay{Underlying: protocol.USDT, Amount: fpmath.FromInt(50)})
	persist(t, db, drain(persistCh))

	fresh, _ := testutil.NewCore(t, genesis)
	require.NoError(t, recoverCore(ctx, db, fresh, 100, logger))
	require.Equal(t, c.GetSequence(), fresh.GetSequence())
	require.Equal(t, c.GetStateHash(), fresh.GetStateHash())
	require.Equal(t, c.Export().Digest(), fresh.Export().Digest())
	require.Equal(t, uint64(50), fresh.Block())

	res, err := fresh.Submit(first)
	require.NoError(t, err)
	require.True(t, res.Ignored)

	// A stored state that disagrees with the log stops recovery.
	_, err = db.ExecContext(ctx, `UPDATE lending.protocol_meta SET state_hash = $1 WHERE id = 1`, make([]byte, 32))
	require.NoError(t, err)
	broken, _ := testutil.NewCore(t, genesis)
	require.ErrorContains(t, recoverCore(ctx, db, broken, 100, logger), "state hash")
}

func TestTakeSnapshotLeavesUnpersistedUnverified_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	c, _ := testutil.NewCore(t, testutil.FlatGenesis(protocol.DOT))
	testutil.MustSubmit(t, c, protocol.Signed(uuid.New()), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(5)})

	takeSnapshot(ctx, db, c, metrics, zerolog.Nop())
	require.Equal(t, 0.0, prom.ToFloat64(metrics.SnapshotTaken))

	var snap core.SnapshotState
	found, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(ctx, &snap)
	require.NoError(t, err)
	require.False(t, found)
}
