package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pilot/internal/position"
)

// SavePosition 以 (symbol, opened_at) 为键落盘快照，已存在则整行覆盖。
// 每次状态跃迁、部分平仓、止损调整之后都应调用一次。
func (s *Store) SavePosition(ctx context.Context, p *position.Position) error {
	if p == nil {
		return fmt.Errorf("position 为 nil")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	exits, err := json.Marshal(p.PartialExits)
	if err != nil {
		return fmt.Errorf("序列化 partial_exits 失败: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO positions (
			symbol, opened_at, side, entry_price, original_size, remaining_size,
			stop_price, take_profit, initial_risk, atr_ref, broker_id, stop_order_id, tp_order_id,
			missing_stop_tp, partial_exits, state, schema_version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, opened_at) DO UPDATE SET
			side=excluded.side,
			entry_price=excluded.entry_price,
			original_size=excluded.original_size,
			remaining_size=excluded.remaining_size,
			stop_price=excluded.stop_price,
			take_profit=excluded.take_profit,
			initial_risk=excluded.initial_risk,
			atr_ref=excluded.atr_ref,
			broker_id=excluded.broker_id,
			stop_order_id=excluded.stop_order_id,
			tp_order_id=excluded.tp_order_id,
			missing_stop_tp=excluded.missing_stop_tp,
			partial_exits=excluded.partial_exits,
			state=excluded.state,
			schema_version=excluded.schema_version,
			updated_at=excluded.updated_at`,
		p.Symbol, p.CreatedAt.UnixMilli(), string(p.Side), p.EntryPrice, p.OriginalSize, p.RemainingSize,
		p.StopPrice, p.TakeProfit, p.InitialRisk, p.ATRRef, p.BrokerID, p.StopOrderID, p.TPOrderID,
		boolToInt(p.MissingStopTP), string(exits), int(p.State), position.SchemaVersion,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("保存仓位 %s 失败: %w", p.Symbol, err)
	}
	return nil
}

const positionColumns = `symbol, opened_at, side, entry_price, original_size, remaining_size,
	stop_price, take_profit, initial_risk, atr_ref, broker_id, stop_order_id, tp_order_id,
	missing_stop_tp, partial_exits, state, created_at, updated_at`

// OpenPositions 非终态仓位，重启恢复与对账都从这里取本地视图。
func (s *Store) OpenPositions(ctx context.Context) ([]*position.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE state NOT IN (?, ?) ORDER BY created_at`,
		int(position.StateClosed), int(position.StateCancelled))
}

// PositionBySymbol 某标的最近一条非终态仓位，不存在返回 nil。
func (s *Store) PositionBySymbol(ctx context.Context, symbol string) (*position.Position, error) {
	ps, err := s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE symbol = ? AND state NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		symbol, int(position.StateClosed), int(position.StateCancelled))
	if err != nil || len(ps) == 0 {
		return nil, err
	}
	return ps[0], nil
}

// PositionsByState 按状态点查。
func (s *Store) PositionsByState(ctx context.Context, st position.State) ([]*position.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE state = ? ORDER BY created_at`, int(st))
}

// RecentPositions 历史分页，updated_at 倒序。
func (s *Store) RecentPositions(ctx context.Context, limit, offset int) ([]*position.Position, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]*position.Position, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询仓位失败: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(rows *sql.Rows) (*position.Position, error) {
	var (
		p          position.Position
		side       string
		openedAt   int64
		missing    int
		exitsJSON  string
		state      int
		createdMs  int64
		updatedMs  int64
	)
	err := rows.Scan(&p.Symbol, &openedAt, &side, &p.EntryPrice, &p.OriginalSize, &p.RemainingSize,
		&p.StopPrice, &p.TakeProfit, &p.InitialRisk, &p.ATRRef, &p.BrokerID, &p.StopOrderID, &p.TPOrderID,
		&missing, &exitsJSON, &state, &createdMs, &updatedMs)
	if err != nil {
		return nil, fmt.Errorf("扫描仓位行失败: %w", err)
	}
	p.Side = position.Side(side)
	p.MissingStopTP = missing != 0
	p.State = position.State(state)
	p.CreatedAt = time.UnixMilli(createdMs)
	p.UpdatedAt = time.UnixMilli(updatedMs)
	if exitsJSON != "" && exitsJSON != "[]" {
		if err := json.Unmarshal([]byte(exitsJSON), &p.PartialExits); err != nil {
			return nil, fmt.Errorf("解析 partial_exits 失败 %s: %w", p.Symbol, err)
		}
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
