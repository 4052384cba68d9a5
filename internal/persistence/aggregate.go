package persistence

import (
	"context"
	"sort"
)

// TopN is the number of gateways and models reported in an overview.
const TopN = 10

// gatewaysWindowHours is the fixed window of BuildGateways.
const gatewaysWindowHours = 24

// Overview sums hourly rollups over a window.
type Overview struct {
	TotalTokens  int64
	TotalCost    float64
	TotalEvents  int64
	InputTokens  int64
	OutputTokens int64
	TopGateways  []RankedTotal
	TopModels    []RankedTotal
}

// RankedTotal is a token/cost total for one gateway or model.
type RankedTotal struct {
	ID          string
	TotalTokens int64
	TotalCost   float64
}

// SeriesPoint is one bucket of a token/cost time series.
type SeriesPoint struct {
	Bucket string
	Tokens int64
	Cost   float64
}

// GatewaySummary is the 24h total of one gateway. TopModel is nil when the gateway
// has no model-tagged events in the window.
type GatewaySummary struct {
	ID          string
	TotalTokens int64
	TotalCost   float64
	TopModel    *string
}

// GatewayDetail holds the aggregate and hourly breakdown of one gateway.
type GatewayDetail struct {
	ID          string
	TotalTokens int64
	TotalCost   float64
	TotalEvents int64
	Hourly      []RollupRow
}

// SeriesFilter restricts a time series to one gateway and/or model. Empty fields match all.
type SeriesFilter struct {
	GatewayID string
	Model     string
}

func (f SeriesFilter) matches(r RollupRow) bool {
	if f.GatewayID != "" && r.GatewayID != f.GatewayID {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	return true
}

// BuildOverview aggregates the last hours of hourly rollups.
func BuildOverview(ctx context.Context, s Storage, hours int) (*Overview, error) {
	rows, err := s.GetHourlyStats(ctx, hours)
	if err != nil {
		return nil, err
	}

	overview := &Overview{}
	byGateway := newTotals()
	byModel := newTotals()
	for _, r := range rows {
		overview.TotalTokens += r.TotalTokens
		overview.TotalCost += r.CostUSD
		overview.TotalEvents += r.EventCount
		overview.InputTokens += r.InputTokens
		overview.OutputTokens += r.OutputTokens

		byGateway.add(r.GatewayID, r.TotalTokens, r.CostUSD)
		if r.Model != "" {
			byModel.add(r.Model, r.TotalTokens, r.CostUSD)
		}
	}
	overview.TopGateways = byGateway.top(TopN)
	overview.TopModels = byModel.top(TopN)
	return overview, nil
}

// BuildTimeseries sums hourly rollups per bucket, ascending, after applying filter.
func BuildTimeseries(ctx context.Context, s Storage, hours int, filter SeriesFilter) ([]SeriesPoint, error) {
	rows, err := s.GetHourlyStats(ctx, hours)
	if err != nil {
		return nil, err
	}

	points := []SeriesPoint{}
	index := make(map[string]int)
	for _, r := range rows {
		if !filter.matches(r) {
			continue
		}
		i, ok := index[r.Bucket]
		if !ok {
			i = len(points)
			index[r.Bucket] = i
			points = append(points, SeriesPoint{Bucket: r.Bucket})
		}
		points[i].Tokens += r.TotalTokens
		points[i].Cost += r.CostUSD
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Bucket < points[j].Bucket })
	return points, nil
}

// BuildGateways summarises every gateway over the last 24 hours, busiest first.
func BuildGateways(ctx context.Context, s Storage) ([]GatewaySummary, error) {
	rows, err := s.GetHourlyStats(ctx, gatewaysWindowHours)
	if err != nil {
		return nil, err
	}

	gateways := newTotals()
	models := make(map[string]*totals)
	for _, r := range rows {
		gateways.add(r.GatewayID, r.TotalTokens, r.CostUSD)
		if r.Model == "" {
			continue
		}
		m, ok := models[r.GatewayID]
		if !ok {
			m = newTotals()
			models[r.GatewayID] = m
		}
		m.add(r.Model, r.TotalTokens, r.CostUSD)
	}

	ranked := gateways.top(0)
	result := make([]GatewaySummary, 0, len(ranked))
	for _, g := range ranked {
		summary := GatewaySummary{ID: g.ID, TotalTokens: g.TotalTokens, TotalCost: g.TotalCost}
		if m, ok := models[g.ID]; ok {
			if best := m.top(1); len(best) == 1 {
				id := best[0].ID
				summary.TopModel = &id
			}
		}
		result = append(result, summary)
	}
	return result, nil
}

// BuildGateway returns totals and the hourly rows of one gateway over the window.
func BuildGateway(ctx context.Context, s Storage, id string, hours int) (*GatewayDetail, error) {
	rows, err := s.GetHourlyStats(ctx, hours)
	if err != nil {
		return nil, err
	}

	detail := &GatewayDetail{ID: id, Hourly: []RollupRow{}}
	for _, r := range rows {
		if r.GatewayID != id {
			continue
		}
		detail.TotalTokens += r.TotalTokens
		detail.TotalCost += r.CostUSD
		detail.TotalEvents += r.EventCount
		detail.Hourly = append(detail.Hourly, r)
	}
	return detail, nil
}

// totals accumulates per-id sums.
type totals struct {
	byID map[string]*RankedTotal
}

func newTotals() *totals {
	return &totals{byID: make(map[string]*RankedTotal)}
}

func (t *totals) add(id string, tokens int64, cost float64) {
	entry, ok := t.byID[id]
	if !ok {
		entry = &RankedTotal{ID: id}
		t.byID[id] = entry
	}
	entry.TotalTokens += tokens
	entry.TotalCost += cost
}

// top returns entries by tokens descending, ties broken by id ascending.
// n <= 0 returns every entry.
func (t *totals) top(n int) []RankedTotal {
	result := make([]RankedTotal, 0, len(t.byID))
	for _, entry := range t.byID {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalTokens != result[j].TotalTokens {
			return result[i].TotalTokens > result[j].TotalTokens
		}
		return result[i].ID < result[j].ID
	})
	if n > 0 && len(result) > n {
		result = result[:n]
	}
	return result
}
