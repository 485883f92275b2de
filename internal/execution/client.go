// Package execution implements the order submission/cancellation REST
// client against the venue's CLOB API, generalizing the teacher's
// internal/exchange/client.go from Polymarket-specific endpoints to the
// spec's submit_order/cancel/get_order/get_best_prices contract. Every
// mutating call is rate-limited, retried on 5xx, and L2-HMAC-signed via
// internal/signer; dry-run mode returns synthetic fills without a network
// call, exactly as the teacher's client does.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ploy-markets/ploy/internal/signer"
	"github.com/ploy-markets/ploy/pkg/types"
)

// Client is the venue REST API client for order management.
type Client struct {
	http   *resty.Client
	signer *signer.Signer
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

func NewClient(baseURL string, sgnr *signer.Signer, dryRun bool, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		signer: sgnr,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "execution"),
	}
}

// GetBestPrices fetches the order book for a token and returns its best
// bid/ask as a types.Quote.
func (c *Client) GetBestPrices(ctx context.Context, tokenID string) (types.Quote, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return types.Quote{}, types.NewError(types.KindRateLimited, "get_best_prices", err)
	}

	var result bookResponseWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return types.Quote{}, types.NewError(types.KindTransport, "get_best_prices", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Quote{}, types.NewError(types.KindTransport, "get_best_prices",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	quote := types.Quote{TokenID: tokenID, Timestamp: time.Now()}
	if len(result.Bids) > 0 {
		p, _ := types.NewPrice(result.Bids[0].Price)
		s, _ := types.NewPrice(result.Bids[0].Size)
		quote.BidPrice, quote.BidSize = p, s
	}
	if len(result.Asks) > 0 {
		p, _ := types.NewPrice(result.Asks[0].Price)
		s, _ := types.NewPrice(result.Asks[0].Size)
		quote.AskPrice, quote.AskSize = p, s
	}
	return quote, nil
}

func (c *Client) buildOrderPayload(order types.SignedOrder, tick types.TickSize) orderPayloadWire {
	makerAmt, takerAmt := signer.OrderAmounts(order.Intent.Price, order.Intent.Size, order.Intent.Action, tick)

	sideStr := "BUY"
	if order.Intent.Action == types.ActionSell {
		sideStr = "SELL"
	}

	return orderPayloadWire{
		Order: signedOrderWire{
			Maker:       c.signer.FunderAddress().Hex(),
			Signer:      c.signer.Address().Hex(),
			Taker:       "0x0000000000000000000000000000000000000000",
			TokenID:     order.Intent.TokenID,
			MakerAmount: makerAmt.String(),
			TakerAmount: takerAmt.String(),
			Side:        sideStr,
			Expiration:  fmt.Sprintf("%d", order.Intent.ExpiresAt.Unix()),
			Nonce:       "0",
			FeeRateBps:  "0",
			Signature:   order.Signature,
		},
		OrderType: "GTC",
	}
}

// SubmitOrder submits a single signed order for execution.
func (c *Client) SubmitOrder(ctx context.Context, order types.SignedOrder, tick types.TickSize) (OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would submit order", "token", order.Intent.TokenID, "side", order.Intent.Action)
		return OrderResponse{Success: true, OrderID: "dry-run-" + order.OrderID, Status: "live"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return OrderResponse{}, types.NewError(types.KindRateLimited, "submit_order", err)
	}

	payload := c.buildOrderPayload(order, tick)
	body, err := json.Marshal(payload)
	if err != nil {
		return OrderResponse{}, types.NewError(types.KindValidation, "submit_order", err)
	}
	headers, err := c.signer.L2Headers("POST", "/order", string(body))
	if err != nil {
		return OrderResponse{}, types.NewError(types.KindValidation, "submit_order", err)
	}

	var result OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return OrderResponse{}, types.NewError(types.KindOrderSubmission, "submit_order", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderResponse{}, types.NewError(types.KindOrderRejected, "submit_order",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	return result, nil
}

// CancelOrder cancels a single order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "order_id", orderID)
		return CancelResponse{Canceled: []string{orderID}}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return CancelResponse{}, types.NewError(types.KindRateLimited, "cancel", err)
	}

	body, _ := json.Marshal(struct {
		OrderID string `json:"orderID"`
	}{orderID})
	headers, err := c.signer.L2Headers("DELETE", "/order", string(body))
	if err != nil {
		return CancelResponse{}, types.NewError(types.KindValidation, "cancel", err)
	}

	var result CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return CancelResponse{}, types.NewError(types.KindTransport, "cancel", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return CancelResponse{}, types.NewError(types.KindTransport, "cancel",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	return result, nil
}

// GetPositions fetches the signer's current Data API positions, used by
// the claimer to discover resolved-and-redeemable token balances without
// depending on local cycle bookkeeping.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var rows []positionWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", c.signer.FunderAddress().Hex()).
		SetResult(&rows).
		Get("/positions")
	if err != nil {
		return nil, types.NewError(types.KindTransport, "get_positions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, types.NewError(types.KindTransport, "get_positions",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, Position{
			ConditionID:  row.ConditionID,
			TokenID:      row.TokenID,
			Outcome:      row.Outcome,
			Size:         row.Size,
			CurPrice:     row.CurPrice,
			Redeemable:   row.Redeemable,
			NegativeRisk: row.NegativeRisk,
		})
	}
	return out, nil
}

// GetBalances collapses the signer's Data API positions into per-token
// share counts, satisfying internal/reconciler.VenueBalances. A token held
// in more than one position row (shouldn't happen, but the Data API
// doesn't guarantee it) sums.
func (c *Client) GetBalances(ctx context.Context) (map[string]float64, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]float64, len(positions))
	for _, pos := range positions {
		size, err := strconv.ParseFloat(pos.Size, 64)
		if err != nil {
			c.logger.Warn("skipping unparseable position size", "token", pos.TokenID, "size", pos.Size)
			continue
		}
		balances[pos.TokenID] += size
	}
	return balances, nil
}

// GetOrder fetches the current status of a single order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderResponse, error) {
	headers, err := c.signer.L2Headers("GET", "/order/"+orderID, "")
	if err != nil {
		return OrderResponse{}, types.NewError(types.KindValidation, "get_order", err)
	}

	var result openOrderWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/order/" + orderID)
	if err != nil {
		return OrderResponse{}, types.NewError(types.KindTransport, "get_order", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return OrderResponse{}, types.NewError(types.KindNotFound, "get_order", fmt.Errorf("order %s not found", orderID))
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderResponse{}, types.NewError(types.KindTransport, "get_order",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	return OrderResponse{Success: true, OrderID: result.ID, Status: result.Status}, nil
}
