package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/journal"
)

func TestRestoreRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)
	h.openAt(t, "NSE:BBB-EQ", 50)
	h.openAt(t, "NSE:CCC-EQ", 250)

	_, raised, err := h.engine.RaiseStop(ctx, "NSE:AAA-EQ", 99.5)
	require.NoError(t, err)
	require.True(t, raised)
	_, err = h.engine.ExitManual(ctx, "NSE:BBB-EQ")
	require.NoError(t, err)

	before, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, before, 2)
	h.stop()

	reloaded := newHarness(t, testConfig(), newFakeBroker(), h.path)
	after, err := reloaded.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReplayIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)
	_, _, err := h.engine.RaiseStop(ctx, "NSE:AAA-EQ", 98)
	require.NoError(t, err)
	h.stop()

	wal, err := journal.Open(h.path, false)
	require.NoError(t, err)
	defer wal.Close()

	var entries []journal.Entry
	require.NoError(t, wal.Replay(func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	}))

	e := New(testConfig(), broker, wal, nil, nil, discardLogger())
	for _, ent := range entries {
		e.apply(ent)
	}
	once := e.openList()
	for _, ent := range entries {
		e.apply(ent)
	}
	assert.Equal(t, once, e.openList())
	require.Len(t, once, 1)
	assert.Equal(t, 98.0, once[0].StopPrice)
}

func TestRaiseStopIgnoresLowerValues(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	ctx := context.Background()
	h.openAt(t, "NSE:AAA-EQ", 100)

	_, raised, err := h.engine.RaiseStop(ctx, "NSE:AAA-EQ", 98)
	require.NoError(t, err)
	require.True(t, raised)

	p, raised, err := h.engine.RaiseStop(ctx, "NSE:AAA-EQ", 97.5)
	require.NoError(t, err)
	assert.False(t, raised)
	assert.Equal(t, 98.0, p.StopPrice)

	_, _, err = h.engine.RaiseStop(ctx, "NSE:ZZZ-EQ", 10)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoppedEngineRejects(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	h.stop()

	_, err := h.engine.Snapshot(context.Background())
	require.ErrorIs(t, err, domain.ErrEngineStopped)

	d := h.engine.Admit(context.Background(), domain.Signal{Symbol: "NSE:AAA-EQ", TriggerPrice: 100})
	assert.Equal(t, ReasonEngineStopped, d.Reason)
}
