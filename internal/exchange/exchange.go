package exchange

import (
	"context"

	"pilot/internal/position"
)

// 交易所能力接口：下单/撤单/查单/查仓/查余额。
// 核心只依赖这一层，具体交易所（binance/纸面模拟）在构造期注入。

// OrderRequest 一次市价委托。ClientID 即幂等键，重复提交同一 ClientID
// 在交易所侧最多产生一次成交。
type OrderRequest struct {
	Symbol     string
	Side       position.Side
	Closing    bool
	Quantity   float64
	ClientID   string
	ReduceOnly bool
}

// OrderAck 交易所回执。
type OrderAck struct {
	OrderID     string
	ExecutedQty float64
	AvgPrice    float64
}

// BracketRequest 组合保护单（STOP + TP 一次挂出）。
type BracketRequest struct {
	Symbol     string
	Side       position.Side
	Quantity   float64
	StopPrice  float64
	TakeProfit float64
	ClientID   string
}

// BracketAck 组合保护单回执。两腿模式下由引擎分别下 STOP/TP。
type BracketAck struct {
	StopOrderID string
	TPOrderID   string
}

// OpenOrder 交易所侧挂单快照，对账时用于核对保护单是否在位。
type OpenOrder struct {
	OrderID   string
	Symbol    string
	Type      string // STOP / TAKE_PROFIT
	StopPrice float64
	Quantity  float64
}

// RemotePosition 交易所权威持仓。
type RemotePosition struct {
	Symbol     string
	Side       position.Side
	Size       float64
	EntryPrice float64
}

// Client 能力接口。所有调用可能返回网络/限频/拒单错误，
// 分类见 errors.go；前两类可退避重试，拒单对该次提交终结。
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// PlaceBracket 仅在 SupportsBracket() 为 true 时可用。
	PlaceBracket(ctx context.Context, req BracketRequest) (BracketAck, error)
	// PlaceStopLoss / PlaceTakeProfit 两腿模式的单腿挂单。
	PlaceStopLoss(ctx context.Context, symbol string, side position.Side, qty, stopPrice float64, clientID string) (string, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side position.Side, qty, tpPrice float64, clientID string) (string, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	OpenPositions(ctx context.Context) ([]RemotePosition, error)
	Balance(ctx context.Context) (float64, error)
	SupportsBracket() bool
}
