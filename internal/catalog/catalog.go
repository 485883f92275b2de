// Package catalog discovers binary-event markets from the venue's Gamma-
// style REST catalog. Grounded on the teacher's internal/market/scanner.go
// (paginated resty fetch, JSON market shape, tick-size mapping) with the
// opportunity-ranking logic stripped out: this spec's markets are selected
// by timing window and series membership (internal/matcher), not by a
// spread/volume/liquidity composite score — see DESIGN.md.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// gammaMarket is the JSON shape returned by the venue's market catalog.
type gammaMarket struct {
	ID                    string  `json:"id"`
	ConditionID           string  `json:"conditionId"`
	SeriesID              string  `json:"seriesId"`
	Slug                  string  `json:"slug"`
	Question              string  `json:"question"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	EndDate               string  `json:"endDate"`
	StartDate             string  `json:"startDate"`
	Liquidity             string  `json:"liquidity"`
	Volume24hr            float64 `json:"volume24hr"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	PriceToBeat           string  `json:"priceToBeat"`
	Symbol                string  `json:"symbol"`
	Horizon               string  `json:"horizon"`
}

// Client polls the venue's market catalog for events belonging to the
// configured series and converts them into types.BinaryMarket records.
type Client struct {
	http   *resty.Client
	cfg    config.CatalogConfig
	logger *slog.Logger
}

func New(cfg config.CatalogConfig, baseURL string, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{http: http, cfg: cfg, logger: logger.With("component", "catalog")}
}

// FetchActiveMarkets returns all active, order-book-enabled markets for
// the configured series, paginating through the catalog endpoint.
func (c *Client) FetchActiveMarkets(ctx context.Context) ([]types.BinaryMarket, error) {
	var all []gammaMarket

	for _, seriesID := range c.cfg.SeriesIDs {
		page, err := c.fetchSeries(ctx, seriesID)
		if err != nil {
			return nil, types.NewError(types.KindMarketDataUnavailable, "fetch_active_markets",
				fmt.Errorf("fetch series %s: %w", seriesID, err))
		}
		all = append(all, page...)
	}

	now := time.Now()
	maxEnd := now.AddDate(0, 0, c.cfg.MaxEndDateDays)

	out := make([]types.BinaryMarket, 0, len(all))
	for _, gm := range all {
		if !gm.Active || gm.Closed || !gm.AcceptingOrders || !gm.EnableOrderBook {
			continue
		}
		if gm.ClobTokenIds == "" {
			continue
		}
		endDate, err := time.Parse(time.RFC3339, gm.EndDate)
		if err != nil || endDate.Before(now) || endDate.After(maxEnd) {
			continue
		}

		mkt := convert(gm, endDate)
		if mkt.UpTokenID == "" || mkt.DownTokenID == "" {
			c.logger.Warn("dropping market with incomplete token ids",
				"error", types.NewError(types.KindInvalidMarketData, "fetch_active_markets", fmt.Errorf("market %s", gm.ID)))
			continue
		}
		out = append(out, mkt)
	}

	return out, nil
}

func (c *Client) fetchSeries(ctx context.Context, seriesID string) ([]gammaMarket, error) {
	var all []gammaMarket
	offset, limit := 0, 100

	for {
		var page []gammaMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"series_id": seriesID,
				"limit":     strconv.Itoa(limit),
				"offset":    strconv.Itoa(offset),
				"active":    "true",
				"closed":    "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	return all, nil
}

func convert(gm gammaMarket, endDate time.Time) types.BinaryMarket {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}

	var upToken, downToken string
	if len(tokenIDs) >= 2 {
		upToken, downToken = tokenIDs[0], tokenIDs[1]
	}

	var tick types.TickSize
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tick = types.Tick01
	case 0.001:
		tick = types.Tick0001
	case 0.0001:
		tick = types.Tick00001
	default:
		tick = types.Tick001
	}

	liquidity, _ := types.NewPrice(orDefault(gm.Liquidity, "0"))
	priceToBeat, _ := types.NewPrice(orDefault(gm.PriceToBeat, "0"))
	startDate, _ := time.Parse(time.RFC3339, gm.StartDate)

	return types.BinaryMarket{
		EventInfo: types.EventInfo{
			EventID:     gm.ID,
			SeriesID:    gm.SeriesID,
			Slug:        gm.Slug,
			Symbol:      gm.Symbol,
			Horizon:     gm.Horizon,
			UpTokenID:   upToken,
			DownTokenID: downToken,
			PriceToBeat: priceToBeat,
			StartTime:   startDate,
			EndTime:     endDate,
			Discovered:  time.Now(),
			TickSize:    tick,
		},
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		HasOrderbook:    gm.EnableOrderBook,
		Liquidity:       liquidity,
		Volume24h:       types.PriceFromFloat(gm.Volume24hr),
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
