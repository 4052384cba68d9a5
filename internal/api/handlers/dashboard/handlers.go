// Package dashboard provides the JSON API consumed by the usage dashboard and the
// static file handler that serves the dashboard itself.
package dashboard

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/quantumspring/usagemon/internal/persistence"
)

// Query parameter bounds.
const (
	defaultHours = 24
	maxHours     = 720
	defaultDays  = 7
	maxDays      = 365
)

// OverviewResponse is the body of GET /api/overview.
type OverviewResponse struct {
	TotalTokens  int64            `json:"totalTokens"`
	TotalCost    float64          `json:"totalCost"`
	TotalEvents  int64            `json:"totalEvents"`
	InputTokens  int64            `json:"inputTokens"`
	OutputTokens int64            `json:"outputTokens"`
	TopGateways  []RankedResponse `json:"topGateways"`
	TopModels    []RankedResponse `json:"topModels"`
}

// RankedResponse is one entry of a top-N list.
type RankedResponse struct {
	ID          string  `json:"id"`
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
}

// TimeseriesPoint is one bucket of GET /api/timeseries.
type TimeseriesPoint struct {
	Timestamp string  `json:"timestamp"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
}

// GatewaySummaryResponse is one entry of GET /api/gateways.
type GatewaySummaryResponse struct {
	ID             string  `json:"id"`
	TotalTokens24h int64   `json:"totalTokens24h"`
	TotalCost24h   float64 `json:"totalCost24h"`
	TopModel       *string `json:"topModel"`
}

// GatewayResponse is the body of GET /api/gateway/:id.
type GatewayResponse struct {
	ID       string             `json:"id"`
	Stats    GatewayStats       `json:"stats"`
	Hourly   []GatewayHourPoint `json:"hourly"`
	Sessions []any              `json:"sessions"`
}

// GatewayStats holds the totals of one gateway.
type GatewayStats struct {
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
	TotalEvents int64   `json:"totalEvents"`
}

// GatewayHourPoint is one hourly rollup row of a gateway.
type GatewayHourPoint struct {
	Timestamp string  `json:"timestamp"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
	Events    int64   `json:"events"`
	Model     string  `json:"model"`
}

// ModelResponse is one entry of GET /api/models.
type ModelResponse struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	TotalTokens  int64   `json:"totalTokens"`
	TotalCost    float64 `json:"totalCost"`
	AvgCostPer1K float64 `json:"avgCostPer1K"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	OK          bool   `json:"ok"`
	Version     string `json:"version"`
	Persistence string `json:"persistence"`
	GatewayID   string `json:"gatewayId"`
	TotalEvents int64  `json:"totalEvents"`
}

// Handler serves the dashboard API from a storage backend.
type Handler struct {
	storage     persistence.Storage
	version     string
	persistence string
	gatewayID   string
}

// Options carry the descriptive values reported by the health endpoint.
type Options struct {
	Version     string
	Persistence string
	GatewayID   string
}

// NewHandler creates a handler reading from storage.
func NewHandler(storage persistence.Storage, opts Options) *Handler {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Persistence == "" {
		opts.Persistence = "sqlite"
	}
	return &Handler{
		storage:     storage,
		version:     opts.Version,
		persistence: opts.Persistence,
		gatewayID:   opts.GatewayID,
	}
}

// RegisterRoutes registers the /api routes on group.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/health", h.GetHealth)
	group.GET("/overview", h.GetOverview)
	group.GET("/timeseries", h.GetTimeseries)
	group.GET("/gateways", h.GetGateways)
	group.GET("/gateway/:id", h.GetGateway)
	group.GET("/models", h.GetModels)
}

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(c *gin.Context) {
	response := HealthResponse{
		OK:          true,
		Version:     h.version,
		Persistence: h.persistence,
		GatewayID:   h.gatewayID,
	}

	count, err := h.storage.GetRecordCount(c.Request.Context())
	if err != nil {
		log.WithError(err).Warn("Failed to count events for health check")
		response.OK = false
	} else {
		response.TotalEvents = count
	}

	c.JSON(http.StatusOK, response)
}

// GetOverview handles GET /api/overview.
// Query parameters:
//   - hours: window size (1-720, default 24)
func (h *Handler) GetOverview(c *gin.Context) {
	hours := clampedQuery(c, "hours", defaultHours, maxHours)

	overview, err := persistence.BuildOverview(c.Request.Context(), h.storage, hours)
	if err != nil {
		h.fail(c, "overview", err)
		return
	}

	c.JSON(http.StatusOK, OverviewResponse{
		TotalTokens:  overview.TotalTokens,
		TotalCost:    overview.TotalCost,
		TotalEvents:  overview.TotalEvents,
		InputTokens:  overview.InputTokens,
		OutputTokens: overview.OutputTokens,
		TopGateways:  convertRanked(overview.TopGateways),
		TopModels:    convertRanked(overview.TopModels),
	})
}

// GetTimeseries handles GET /api/timeseries.
// Query parameters:
//   - hours: window size (1-720, default 24)
//   - gateway: only count this gateway
//   - model: only count this model
func (h *Handler) GetTimeseries(c *gin.Context) {
	hours := clampedQuery(c, "hours", defaultHours, maxHours)
	filter := persistence.SeriesFilter{
		GatewayID: c.Query("gateway"),
		Model:     c.Query("model"),
	}

	points, err := persistence.BuildTimeseries(c.Request.Context(), h.storage, hours, filter)
	if err != nil {
		h.fail(c, "timeseries", err)
		return
	}

	c.JSON(http.StatusOK, convertTimeseries(points))
}

// GetGateways handles GET /api/gateways.
func (h *Handler) GetGateways(c *gin.Context) {
	gateways, err := persistence.BuildGateways(c.Request.Context(), h.storage)
	if err != nil {
		h.fail(c, "gateways", err)
		return
	}

	result := make([]GatewaySummaryResponse, len(gateways))
	for i, g := range gateways {
		result[i] = GatewaySummaryResponse{
			ID:             g.ID,
			TotalTokens24h: g.TotalTokens,
			TotalCost24h:   g.TotalCost,
			TopModel:       g.TopModel,
		}
	}
	c.JSON(http.StatusOK, result)
}

// GetGateway handles GET /api/gateway/:id.
// Query parameters:
//   - hours: window size (1-720, default 24)
func (h *Handler) GetGateway(c *gin.Context) {
	hours := clampedQuery(c, "hours", defaultHours, maxHours)

	detail, err := persistence.BuildGateway(c.Request.Context(), h.storage, c.Param("id"), hours)
	if err != nil {
		h.fail(c, "gateway", err)
		return
	}

	hourly := make([]GatewayHourPoint, len(detail.Hourly))
	for i, r := range detail.Hourly {
		hourly[i] = GatewayHourPoint{
			Timestamp: r.Bucket,
			Tokens:    r.TotalTokens,
			Cost:      r.CostUSD,
			Events:    r.EventCount,
			Model:     r.Model,
		}
	}

	c.JSON(http.StatusOK, GatewayResponse{
		ID: detail.ID,
		Stats: GatewayStats{
			TotalTokens: detail.TotalTokens,
			TotalCost:   detail.TotalCost,
			TotalEvents: detail.TotalEvents,
		},
		Hourly:   hourly,
		Sessions: []any{},
	})
}

// GetModels handles GET /api/models.
// Query parameters:
//   - days: window size (1-365, default 7)
func (h *Handler) GetModels(c *gin.Context) {
	days := clampedQuery(c, "days", defaultDays, maxDays)

	models, err := h.storage.GetModelDistribution(c.Request.Context(), days)
	if err != nil {
		h.fail(c, "models", err)
		return
	}

	c.JSON(http.StatusOK, convertModels(models))
}

// NotFound answers unmatched /api paths.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

// IsAPIPath reports whether path belongs to the JSON API.
func IsAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

func (h *Handler) fail(c *gin.Context, route string, err error) {
	log.WithError(err).WithField("route", route).Error("Failed to build dashboard response")
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// convertRanked converts persistence totals to response format.
func convertRanked(totals []persistence.RankedTotal) []RankedResponse {
	result := make([]RankedResponse, len(totals))
	for i, t := range totals {
		result[i] = RankedResponse{
			ID:          t.ID,
			TotalTokens: t.TotalTokens,
			TotalCost:   t.TotalCost,
		}
	}
	return result
}

// convertTimeseries converts persistence series points to response format.
func convertTimeseries(points []persistence.SeriesPoint) []TimeseriesPoint {
	result := make([]TimeseriesPoint, len(points))
	for i, p := range points {
		result[i] = TimeseriesPoint{
			Timestamp: p.Bucket,
			Tokens:    p.Tokens,
			Cost:      p.Cost,
		}
	}
	return result
}

// convertModels converts the model distribution to response format and infers providers.
func convertModels(models []persistence.ModelUsage) []ModelResponse {
	result := make([]ModelResponse, len(models))
	for i, m := range models {
		var avg float64
		if m.TotalTokens > 0 {
			avg = m.CostUSD / float64(m.TotalTokens) * 1000
		}
		result[i] = ModelResponse{
			ID:           m.Model,
			Provider:     ProviderForModel(m.Model),
			TotalTokens:  m.TotalTokens,
			TotalCost:    m.CostUSD,
			AvgCostPer1K: avg,
		}
	}
	return result
}
