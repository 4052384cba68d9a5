package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOverview(t *testing.T) {
	storage := newTestStorage(t)
	mustWrite(t, storage,
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", Model: "opus", InputTokens: Int64(400), OutputTokens: Int64(100), TotalTokens: Int64(500), CostUSD: Float64(0.005)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", Model: "haiku", InputTokens: Int64(150), OutputTokens: Int64(50), TotalTokens: Int64(200), CostUSD: Float64(0.001)},
	)

	overview, err := BuildOverview(context.Background(), storage, 24)
	require.NoError(t, err)

	assert.Equal(t, int64(700), overview.TotalTokens)
	assert.Equal(t, int64(2), overview.TotalEvents)
	assert.Equal(t, int64(550), overview.InputTokens)
	assert.Equal(t, int64(150), overview.OutputTokens)
	assert.InDelta(t, 0.006, overview.TotalCost, 1e-9)

	require.Len(t, overview.TopGateways, 1)
	assert.Equal(t, "gw1", overview.TopGateways[0].ID)
	require.Len(t, overview.TopModels, 2)
	assert.Equal(t, "opus", overview.TopModels[0].ID)
	assert.Equal(t, "haiku", overview.TopModels[1].ID)
}

func TestBuildOverviewRanking(t *testing.T) {
	storage := newTestStorage(t)
	for i := 0; i < 12; i++ {
		mustWrite(t, storage, UsageEvent{
			Timestamp:   fixedNow,
			GatewayID:   fmt.Sprintf("gw-%02d", i),
			Model:       fmt.Sprintf("model-%02d", i),
			TotalTokens: Int64(int64(100 + i)),
		})
	}
	// ties on tokens are ordered by id
	mustWrite(t, storage,
		UsageEvent{Timestamp: fixedNow, GatewayID: "tie-b", TotalTokens: Int64(1000)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "tie-a", TotalTokens: Int64(1000)},
	)

	overview, err := BuildOverview(context.Background(), storage, 24)
	require.NoError(t, err)

	require.Len(t, overview.TopGateways, TopN)
	assert.Equal(t, "tie-a", overview.TopGateways[0].ID)
	assert.Equal(t, "tie-b", overview.TopGateways[1].ID)
	assert.Equal(t, "gw-11", overview.TopGateways[2].ID)

	require.Len(t, overview.TopModels, TopN)
	assert.Equal(t, "model-11", overview.TopModels[0].ID)
	for _, m := range overview.TopModels {
		assert.NotEmpty(t, m.ID, "events without a model must not rank")
	}
}

func TestBuildOverviewCountsUnnamedModelsInTotalsOnly(t *testing.T) {
	storage := newTestStorage(t)
	mustWrite(t, storage,
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", Model: "opus", TotalTokens: Int64(300), CostUSD: Float64(0.003)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", TotalTokens: Int64(200), CostUSD: Float64(0.002)},
	)

	overview, err := BuildOverview(context.Background(), storage, 24)
	require.NoError(t, err)

	assert.Equal(t, int64(500), overview.TotalTokens)
	assert.Equal(t, int64(2), overview.TotalEvents)
	assert.InDelta(t, 0.005, overview.TotalCost, 1e-9)

	require.Len(t, overview.TopGateways, 1)
	assert.Equal(t, int64(500), overview.TopGateways[0].TotalTokens)
	require.Len(t, overview.TopModels, 1)
	assert.Equal(t, "opus", overview.TopModels[0].ID)
	assert.Equal(t, int64(300), overview.TopModels[0].TotalTokens)
}

func TestBuildOverviewEmpty(t *testing.T) {
	storage := newTestStorage(t)

	overview, err := BuildOverview(context.Background(), storage, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.TotalTokens)
	assert.NotNil(t, overview.TopGateways)
	assert.Empty(t, overview.TopGateways)
	assert.NotNil(t, overview.TopModels)
}

func TestBuildTimeseries(t *testing.T) {
	storage := newTestStorage(t)
	mustWrite(t, storage,
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw-a", Model: "m1", TotalTokens: Int64(100), CostUSD: Float64(0.1)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw-b", Model: "m2", TotalTokens: Int64(50), CostUSD: Float64(0.05)},
		UsageEvent{Timestamp: fixedNow.Add(-time.Hour), GatewayID: "gw-a", Model: "m2", TotalTokens: Int64(10)},
	)
	ctx := context.Background()

	sum := func(points []SeriesPoint) int64 {
		var total int64
		for _, p := range points {
			total += p.Tokens
		}
		return total
	}

	all, err := BuildTimeseries(ctx, storage, 1, SeriesFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2026-03-10T11:00:00Z", all[0].Bucket)
	assert.Equal(t, "2026-03-10T12:00:00Z", all[1].Bucket)
	assert.Equal(t, int64(150), all[1].Tokens)
	assert.Equal(t, int64(160), sum(all))

	gatewayA, err := BuildTimeseries(ctx, storage, 1, SeriesFilter{GatewayID: "gw-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(110), sum(gatewayA))

	byModel, err := BuildTimeseries(ctx, storage, 1, SeriesFilter{GatewayID: "gw-a", Model: "m2"})
	require.NoError(t, err)
	require.Len(t, byModel, 1)
	assert.Equal(t, int64(10), byModel[0].Tokens)

	none, err := BuildTimeseries(ctx, storage, 1, SeriesFilter{GatewayID: "missing"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestBuildGateways(t *testing.T) {
	storage := newTestStorage(t)
	mustWrite(t, storage,
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", Model: "small", TotalTokens: Int64(100)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", Model: "big", TotalTokens: Int64(300)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw2", TotalTokens: Int64(1000)},
		UsageEvent{Timestamp: fixedNow.Add(-48 * time.Hour), GatewayID: "gw3", Model: "old", TotalTokens: Int64(5000)},
	)

	gateways, err := BuildGateways(context.Background(), storage)
	require.NoError(t, err)
	require.Len(t, gateways, 2)

	assert.Equal(t, "gw2", gateways[0].ID)
	assert.Equal(t, int64(1000), gateways[0].TotalTokens)
	assert.Nil(t, gateways[0].TopModel)

	assert.Equal(t, "gw1", gateways[1].ID)
	require.NotNil(t, gateways[1].TopModel)
	assert.Equal(t, "big", *gateways[1].TopModel)
}

func TestBuildGateway(t *testing.T) {
	storage := newTestStorage(t)
	mustWrite(t, storage,
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw1", Model: "a", TotalTokens: Int64(100), CostUSD: Float64(0.25)},
		UsageEvent{Timestamp: fixedNow.Add(-2 * time.Hour), GatewayID: "gw1", Model: "b", TotalTokens: Int64(50), CostUSD: Float64(0.25)},
		UsageEvent{Timestamp: fixedNow, GatewayID: "gw2", Model: "a", TotalTokens: Int64(999)},
	)

	detail, err := BuildGateway(context.Background(), storage, "gw1", 24)
	require.NoError(t, err)
	assert.Equal(t, "gw1", detail.ID)
	assert.Equal(t, int64(150), detail.TotalTokens)
	assert.Equal(t, int64(2), detail.TotalEvents)
	assert.InDelta(t, 0.5, detail.TotalCost, 1e-9)
	require.Len(t, detail.Hourly, 2)
	assert.Equal(t, "b", detail.Hourly[0].Model)

	unknown, err := BuildGateway(context.Background(), storage, "nope", 24)
	require.NoError(t, err)
	assert.NotNil(t, unknown.Hourly)
	assert.Empty(t, unknown.Hourly)
}
