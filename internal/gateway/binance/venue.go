// Package binance implements exchange.VenueClient on Binance USD-M
// futures. A position is identified as "SYMBOL:SIDE" since the futures
// API has no position ids of its own.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/tidwall/gjson"

	"portage/internal/gateway/exchange"
	"portage/internal/logger"
)

// Venue drives Binance futures through the go-binance SDK.
type Venue struct {
	cfg    Config
	client *futures.Client
}

var _ exchange.VenueClient = (*Venue)(nil)

// New builds a Binance venue client.
func New(cfg Config) (*Venue, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Venue{cfg: final, client: client}, nil
}

func (v *Venue) Name() string { return "binance" }

// ListOpenPositions maps non-zero position-risk rows to the venue read
// model.
func (v *Venue) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	risks, err := v.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("position risk: %w", err)
	}
	out := make([]exchange.Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		entry := parseFloat(r.EntryPrice)
		mark := parseFloat(r.MarkPrice)
		unrealized := parseFloat(r.UnRealizedProfit)
		leverage := parseFloat(r.Leverage)
		if leverage <= 0 {
			leverage = 1
		}
		raw, _ := json.Marshal(r)
		// notional is only present on newer API versions; fall back to
		// mark * amount when the field is missing from the payload.
		notional := gjson.GetBytes(raw, "notional").Float()
		if notional < 0 {
			notional = -notional
		}
		if notional == 0 {
			notional = mark * amt
		}
		stake := notional / leverage
		ratio := 0.0
		if stake > 0 {
			ratio = unrealized / stake
		}
		out = append(out, exchange.Position{
			ID:                 positionID(r.Symbol, side),
			Symbol:             r.Symbol,
			Side:               side,
			Quantity:           amt,
			EntryPrice:         entry,
			Leverage:           leverage,
			Stake:              stake,
			IsOpen:             true,
			UnrealizedPnL:      unrealized,
			UnrealizedPnLRatio: ratio,
			CurrentPrice:       mark,
			Raw:                string(raw),
		})
	}
	return out, nil
}

// ClosePosition submits a reduce-only market order for the full size.
func (v *Venue) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.Receipt, error) {
	orderSide := futures.SideTypeSell
	if req.Side == "short" {
		orderSide = futures.SideTypeBuy
	}
	svc := v.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		ReduceOnly(true)
	if req.Quantity > 0 {
		svc = svc.Quantity(formatQuantity(req.Quantity))
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return exchange.Receipt{}, fmt.Errorf("close order %s: %w", req.Symbol, err)
	}
	logger.Infof("binance: close order submitted symbol=%s side=%s order_id=%d", req.Symbol, orderSide, resp.OrderID)
	return exchange.Receipt{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		PositionID: req.PositionID,
		Symbol:     req.Symbol,
		Price:      parseFloat(resp.AvgPrice),
		ClosedAt:   time.Now(),
	}, nil
}

// TightenStop replaces any existing stop-market order with one whose
// distance to the mark price is NewStopPct of the current distance (or
// of the entry-to-mark distance when no stop exists yet).
func (v *Venue) TightenStop(ctx context.Context, req exchange.StopRequest) error {
	if req.NewStopPct <= 0 || req.NewStopPct >= 1 {
		return fmt.Errorf("invalid stop pct %.2f", req.NewStopPct)
	}
	mark, err := v.markPrice(ctx, req.Symbol)
	if err != nil {
		return err
	}
	current, err := v.currentStop(ctx, req.Symbol)
	if err != nil {
		return err
	}
	distance := 0.0
	if current > 0 {
		distance = mark - current
		if req.Side == "short" {
			distance = current - mark
		}
	}
	if distance <= 0 {
		// no usable stop yet: anchor the distance on the mark price
		distance = mark * 0.05
	}
	newDistance := distance * req.NewStopPct
	stopPrice := mark - newDistance
	orderSide := futures.SideTypeSell
	if req.Side == "short" {
		stopPrice = mark + newDistance
		orderSide = futures.SideTypeBuy
	}

	if err := v.cancelStops(ctx, req.Symbol); err != nil {
		return err
	}
	_, err = v.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(orderSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(formatQuantity(stopPrice)).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("replacing stop %s: %w", req.Symbol, err)
	}
	logger.Infof("binance: stop tightened symbol=%s stop=%.4f", req.Symbol, stopPrice)
	return nil
}

func (v *Venue) markPrice(ctx context.Context, symbol string) (float64, error) {
	premiums, err := v.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	if len(premiums) == 0 {
		return 0, fmt.Errorf("no premium index for %s", symbol)
	}
	return parseFloat(premiums[0].MarkPrice), nil
}

func (v *Venue) currentStop(ctx context.Context, symbol string) (float64, error) {
	orders, err := v.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	for _, o := range orders {
		if o.Type == futures.OrderTypeStopMarket {
			return parseFloat(o.StopPrice), nil
		}
	}
	return 0, nil
}

func (v *Venue) cancelStops(ctx context.Context, symbol string) error {
	orders, err := v.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return fmt.Errorf("open orders %s: %w", symbol, err)
	}
	for _, o := range orders {
		if o.Type != futures.OrderTypeStopMarket {
			continue
		}
		_, err := v.client.NewCancelOrderService().Symbol(symbol).OrderID(o.OrderID).Do(ctx)
		if err != nil {
			return fmt.Errorf("cancel stop %d on %s: %w", o.OrderID, symbol, err)
		}
	}
	return nil
}

func positionID(symbol, side string) string {
	return symbol + ":" + side
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
