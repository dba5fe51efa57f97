package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pilot/internal/position"
)

// Paper 纸面模拟交易所：内存撮合，按最新标记价成交。
// 用于 dry-run 与测试；FailNext 可注入指定操作的连续失败，
// 模拟网络超时/限频/拒单路径。
type Paper struct {
	mu        sync.Mutex
	prices    map[string]float64
	positions map[string]*RemotePosition
	orders    map[string][]OpenOrder // symbol -> 挂单
	seenIDs   map[string]OrderAck    // clientID -> 回执（幂等去重）
	failures  map[string]*failPlan
	bracket   bool
	balance   float64
	// PlacedOrders 按提交顺序记录所有成交，测试断言用。
	PlacedOrders []OrderRequest
}

type failPlan struct {
	remaining int
	err       error
}

func NewPaper(bracket bool) *Paper {
	return &Paper{
		prices:    make(map[string]float64),
		positions: make(map[string]*RemotePosition),
		orders:    make(map[string][]OpenOrder),
		seenIDs:   make(map[string]OrderAck),
		failures:  make(map[string]*failPlan),
		bracket:   bracket,
		balance:   10_000,
	}
}

var _ Client = (*Paper)(nil)

func (p *Paper) SupportsBracket() bool { return p.bracket }

// SetPrice 设置标记价。
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}

// SetBalance 设置模拟余额。
func (p *Paper) SetBalance(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = v
}

// FailNext 让指定操作接下来 n 次返回 err。op 取值：
// place_order / cancel / stop_loss / take_profit / open_positions / open_orders / balance。
func (p *Paper) FailNext(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = &failPlan{remaining: n, err: err}
}

func (p *Paper) takeFailure(op string) error {
	if plan, ok := p.failures[op]; ok && plan.remaining > 0 {
		plan.remaining--
		return plan.err
	}
	return nil
}

// SeedPosition 直接注入交易所侧持仓（对账测试用）。
func (p *Paper) SeedPosition(symbol string, side position.Side, size, entry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	p.positions[symbol] = &RemotePosition{Symbol: symbol, Side: side, Size: size, EntryPrice: entry}
}

// DropPosition 移除交易所侧持仓（模拟远端已平仓）。
func (p *Paper) DropPosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, strings.ToUpper(symbol))
}

// ResizePosition 改写远端持仓数量（模拟远端部分成交）。
func (p *Paper) ResizePosition(symbol string, size float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[strings.ToUpper(symbol)]; ok {
		pos.Size = size
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("place_order"); err != nil {
		return OrderAck{}, err
	}
	if req.Quantity <= 0 {
		return OrderAck{}, fmt.Errorf("%w: quantity=%.8f", ErrRejected, req.Quantity)
	}
	symbol := strings.ToUpper(req.Symbol)
	// 幂等：同一 clientID 直接返回首次回执，不再产生第二次成交。
	if req.ClientID != "" {
		if ack, ok := p.seenIDs[req.ClientID]; ok {
			return ack, nil
		}
	}
	price := p.prices[symbol]
	if price <= 0 {
		price = 100
	}
	if req.Closing {
		pos, ok := p.positions[symbol]
		if !ok {
			return OrderAck{}, fmt.Errorf("%w: %s 无持仓可平", ErrRejected, symbol)
		}
		qty := req.Quantity
		if qty > pos.Size {
			qty = pos.Size
		}
		pos.Size -= qty
		if pos.Size <= 1e-9 {
			delete(p.positions, symbol)
		}
		ack := OrderAck{OrderID: uuid.New().String(), ExecutedQty: qty, AvgPrice: price}
		if req.ClientID != "" {
			p.seenIDs[req.ClientID] = ack
		}
		p.PlacedOrders = append(p.PlacedOrders, req)
		return ack, nil
	}
	if pos, ok := p.positions[symbol]; ok && pos.Side == req.Side {
		pos.Size += req.Quantity
	} else {
		p.positions[symbol] = &RemotePosition{Symbol: symbol, Side: req.Side, Size: req.Quantity, EntryPrice: price}
	}
	ack := OrderAck{OrderID: uuid.New().String(), ExecutedQty: req.Quantity, AvgPrice: price}
	if req.ClientID != "" {
		p.seenIDs[req.ClientID] = ack
	}
	p.PlacedOrders = append(p.PlacedOrders, req)
	return ack, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("cancel"); err != nil {
		return err
	}
	symbol = strings.ToUpper(symbol)
	list := p.orders[symbol]
	for i, o := range list {
		if o.OrderID == orderID {
			p.orders[symbol] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: order=%s", ErrNotFound, orderID)
}

func (p *Paper) PlaceBracket(ctx context.Context, req BracketRequest) (BracketAck, error) {
	stopID, err := p.PlaceStopLoss(ctx, req.Symbol, req.Side, req.Quantity, req.StopPrice, req.ClientID+"-sl")
	if err != nil {
		return BracketAck{}, err
	}
	tpID, err := p.PlaceTakeProfit(ctx, req.Symbol, req.Side, req.Quantity, req.TakeProfit, req.ClientID+"-tp")
	if err != nil {
		_ = p.CancelOrder(ctx, req.Symbol, stopID)
		return BracketAck{}, err
	}
	return BracketAck{StopOrderID: stopID, TPOrderID: tpID}, nil
}

func (p *Paper) placeTrigger(op, symbol string, qty, trigger float64, typ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(op); err != nil {
		return "", err
	}
	if trigger <= 0 {
		return "", fmt.Errorf("%w: trigger=%.4f", ErrRejected, trigger)
	}
	symbol = strings.ToUpper(symbol)
	id := uuid.New().String()
	p.orders[symbol] = append(p.orders[symbol], OpenOrder{
		OrderID:   id,
		Symbol:    symbol,
		Type:      typ,
		StopPrice: trigger,
		Quantity:  qty,
	})
	return id, nil
}

func (p *Paper) PlaceStopLoss(ctx context.Context, symbol string, side position.Side, qty, stopPrice float64, clientID string) (string, error) {
	return p.placeTrigger("stop_loss", symbol, qty, stopPrice, "STOP")
}

func (p *Paper) PlaceTakeProfit(ctx context.Context, symbol string, side position.Side, qty, tpPrice float64, clientID string) (string, error) {
	return p.placeTrigger("take_profit", symbol, qty, tpPrice, "TAKE_PROFIT")
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("open_orders"); err != nil {
		return nil, err
	}
	list := p.orders[strings.ToUpper(symbol)]
	out := make([]OpenOrder, len(list))
	copy(out, list)
	return out, nil
}

func (p *Paper) OpenPositions(ctx context.Context) ([]RemotePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("open_positions"); err != nil {
		return nil, err
	}
	out := make([]RemotePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("balance"); err != nil {
		return 0, err
	}
	return p.balance, nil
}
