package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// LotReader is the read side of the lot store used by the API.
type LotReader interface {
	Get(ctx context.Context, key domain.LotKey) (domain.LotSuggestion, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.LotSuggestion, error)
}

// LotHandler serves persisted lot suggestions.
type LotHandler struct {
	lots   LotReader
	logger *slog.Logger
}

// NewLotHandler creates a LotHandler.
func NewLotHandler(lots LotReader, logger *slog.Logger) *LotHandler {
	return &LotHandler{lots: lots, logger: logger.With(slog.String("handler", "lots"))}
}

type seriesResponse struct {
	SeriesID string  `json:"series_id"`
	Status   string  `json:"status"`
	Total    int     `json:"total,omitempty"`
	Ratio    float64 `json:"ratio,omitempty"`
	Have     []int   `json:"have"`
	Missing  []int   `json:"missing"`
}

type lotResponse struct {
	Name              string          `json:"name"`
	Strategy          string          `json:"strategy"`
	Members           []string        `json:"members"`
	IndividualValue   string          `json:"individual_value"`
	EstimatedValue    string          `json:"estimated_value"`
	MarketValue       *string         `json:"market_value"`
	PerBookPrice      *string         `json:"per_book_price"`
	OptimalSize       int             `json:"optimal_size,omitempty"`
	ComparableCount   int             `json:"comparable_count"`
	UsedMarketPricing bool            `json:"used_market_pricing"`
	Probability       float64         `json:"probability"`
	ProbabilityLabel  string          `json:"probability_label"`
	Justification     []string        `json:"justification"`
	Series            *seriesResponse `json:"series,omitempty"`
}

func toLotResponse(lot domain.LotSuggestion) lotResponse {
	resp := lotResponse{
		Name:              lot.Name,
		Strategy:          lot.Strategy.String(),
		Members:           lot.Members,
		IndividualValue:   lot.IndividualValue.StringFixed(2),
		EstimatedValue:    lot.EstimatedValue.StringFixed(2),
		OptimalSize:       lot.OptimalSize,
		ComparableCount:   lot.ComparableCount,
		UsedMarketPricing: lot.UsedMarketPricing,
		Probability:       lot.Probability,
		ProbabilityLabel:  lot.ProbabilityLabel,
		Justification:     lot.Justification,
	}
	if lot.MarketValue.Valid {
		v := lot.MarketValue.Decimal.StringFixed(2)
		resp.MarketValue = &v
	}
	if lot.PerBookPrice.Valid {
		v := lot.PerBookPrice.Decimal.StringFixed(2)
		resp.PerBookPrice = &v
	}
	if s := lot.Series; s != nil {
		resp.Series = &seriesResponse{
			SeriesID: s.SeriesID,
			Status:   s.Status().String(),
			Total:    s.Total,
			Ratio:    s.Ratio,
			Have:     s.Have,
			Missing:  s.Missing,
		}
	}
	return resp
}

type listLotsResponse struct {
	Lots   []lotResponse `json:"lots"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListLots returns persisted lots, highest estimated value first.
// GET /api/lots?limit=50&offset=0
func (h *LotHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	lots, err := h.lots.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list lots failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list lots")
		return
	}

	out := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		out = append(out, toLotResponse(lot))
	}
	writeJSON(w, http.StatusOK, listLotsResponse{Lots: out, Limit: opts.Limit, Offset: opts.Offset})
}

// GetLot returns one lot by strategy and name.
// GET /api/lots/{strategy}/{name}
func (h *LotHandler) GetLot(w http.ResponseWriter, r *http.Request) {
	strategy, err := domain.ParseStrategy(r.PathValue("strategy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing lot name")
		return
	}

	lot, err := h.lots.Get(r.Context(), domain.LotKey{Name: name, Strategy: strategy})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lot not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get lot failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get lot")
		return
	}
	writeJSON(w, http.StatusOK, toLotResponse(lot))
}
