package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"pilot/internal/config"
	"pilot/internal/position"
)

// Binance U 本位合约实现。保护单走 STOP_MARKET / TAKE_PROFIT_MARKET
// 两腿（币安合约没有原生 bracket），组合模式由配置关闭。
type Binance struct {
	client  *futures.Client
	bracket bool
}

var _ Client = (*Binance)(nil)

// NewBinance 创建合约客户端。testnet 由配置决定。
func NewBinance(cfg config.ExchangeConfig) *Binance {
	futures.UseTestnet = cfg.Testnet
	return &Binance{
		client:  binance.NewFuturesClient(cfg.APIKey, cfg.APISecret),
		bracket: cfg.CombinedProtection,
	}
}

func (b *Binance) SupportsBracket() bool { return b.bracket }

func orderSide(side position.Side, closing bool) futures.SideType {
	long := side == position.SideLong
	if closing {
		long = !long
	}
	if long {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func formatQty(q float64) string   { return strconv.FormatFloat(q, 'f', -1, 64) }
func formatPrice(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) }

// PlaceOrder 市价单。ClientID 透传为 newClientOrderId，币安以此幂等。
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(strings.ToUpper(req.Symbol)).
		Side(orderSide(req.Side, req.Closing)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(req.Quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderAck{}, classify(err)
	}
	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return OrderAck{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		ExecutedQty: executed,
		AvgPrice:    avg,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("非法订单号 %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(strings.ToUpper(symbol)).
		OrderID(id).
		Do(ctx)
	return classify(err)
}

// PlaceBracket 币安合约无原生组合单，按配置开启时内部仍是两腿，
// 但任一腿失败会先撤掉已成功的腿再报错，对调用方表现为原子。
func (b *Binance) PlaceBracket(ctx context.Context, req BracketRequest) (BracketAck, error) {
	stopID, err := b.PlaceStopLoss(ctx, req.Symbol, req.Side, req.Quantity, req.StopPrice, req.ClientID+"-sl")
	if err != nil {
		return BracketAck{}, err
	}
	tpID, err := b.PlaceTakeProfit(ctx, req.Symbol, req.Side, req.Quantity, req.TakeProfit, req.ClientID+"-tp")
	if err != nil {
		_ = b.CancelOrder(ctx, req.Symbol, stopID)
		return BracketAck{}, err
	}
	return BracketAck{StopOrderID: stopID, TPOrderID: tpID}, nil
}

func (b *Binance) placeTrigger(ctx context.Context, symbol string, side position.Side, qty, trigger float64, typ futures.OrderType, clientID string) (string, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(strings.ToUpper(symbol)).
		Side(orderSide(side, true)).
		Type(typ).
		StopPrice(formatPrice(trigger)).
		Quantity(formatQty(qty)).
		ReduceOnly(true)
	if clientID != "" {
		svc = svc.NewClientOrderID(clientID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return "", classify(err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (b *Binance) PlaceStopLoss(ctx context.Context, symbol string, side position.Side, qty, stopPrice float64, clientID string) (string, error) {
	return b.placeTrigger(ctx, symbol, side, qty, stopPrice, futures.OrderTypeStopMarket, clientID)
}

func (b *Binance) PlaceTakeProfit(ctx context.Context, symbol string, side position.Side, qty, tpPrice float64, clientID string) (string, error) {
	return b.placeTrigger(ctx, symbol, side, qty, tpPrice, futures.OrderTypeTakeProfitMarket, clientID)
}

func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	orders, err := b.client.NewListOpenOrdersService().
		Symbol(strings.ToUpper(symbol)).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		typ := ""
		switch o.Type {
		case futures.OrderTypeStopMarket, futures.OrderTypeStop:
			typ = "STOP"
		case futures.OrderTypeTakeProfitMarket, futures.OrderTypeTakeProfit:
			typ = "TAKE_PROFIT"
		default:
			continue
		}
		stop, _ := strconv.ParseFloat(o.StopPrice, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		out = append(out, OpenOrder{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Type:      typ,
			StopPrice: stop,
			Quantity:  qty,
		})
	}
	return out, nil
}

func (b *Binance) OpenPositions(ctx context.Context) ([]RemotePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var out []RemotePosition
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		side := position.SideLong
		if amt < 0 {
			side = position.SideShort
			amt = -amt
		}
		out = append(out, RemotePosition{
			Symbol:     r.Symbol,
			Side:       side,
			Size:       amt,
			EntryPrice: entry,
		})
	}
	return out, nil
}

// Balance 返回 USDT 可用余额。
func (b *Binance) Balance(ctx context.Context) (float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			v, _ := strconv.ParseFloat(bal.Balance, 64)
			return v, nil
		}
	}
	return 0, nil
}
