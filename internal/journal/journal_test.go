package journal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type tradeFixture struct {
	ID     int64  `json:"id"`
	Market string `json:"market"`
}

func TestAppendAndReplay_PreservesWriteOrder(t *testing.T) {
	r := New(t.TempDir(), zap.NewNop())
	defer r.Close()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, r.Append(ctx, "ALT/USDT", tradeFixture{ID: i, Market: "ALT/USDT"}))
	}

	entries, err := r.ReplayMarket(ctx, "ALT/USDT")
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for i, raw := range entries {
		var got tradeFixture
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, int64(i+1), got.ID, "replay must return entries in the order they were appended")
	}
}

func TestReplayMarket_UnknownMarket_ReturnsEmptyNotError(t *testing.T) {
	r := New(t.TempDir(), zap.NewNop())
	defer r.Close()

	entries, err := r.ReplayMarket(context.Background(), "NEW/MARKET")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppend_SeparatesMarketsIntoDistinctJournals(t *testing.T) {
	r := New(t.TempDir(), zap.NewNop())
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, "ALT/USDT", tradeFixture{ID: 1, Market: "ALT/USDT"}))
	require.NoError(t, r.Append(ctx, "BTC/USDT", tradeFixture{ID: 1, Market: "BTC/USDT"}))

	altEntries, err := r.ReplayMarket(ctx, "ALT/USDT")
	require.NoError(t, err)
	require.Len(t, altEntries, 1)

	btcEntries, err := r.ReplayMarket(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, btcEntries, 1)
}

func TestClose_IsIdempotent(t *testing.T) {
	r := New(t.TempDir(), zap.NewNop())
	require.NoError(t, r.Append(context.Background(), "ALT/USDT", tradeFixture{ID: 1}))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
