package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pilot/internal/position"
)

// ErrDuplicateExecution 幂等键冲突：同一意图已执行过，调用方直接短路。
var ErrDuplicateExecution = errors.New("重复的执行记录")

// ExecutionRecord 一次已发出的交易所写操作。
type ExecutionRecord struct {
	IdemKey  string
	Symbol   string
	Intent   string
	OrderID  string
	Quantity float64
	Price    float64
	At       time.Time
}

// RecordExecution 写入执行记录。idem_key 唯一约束保证同一意图
// 至多落一条，冲突返回 ErrDuplicateExecution。
func (s *Store) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO executions (idem_key, symbol, intent, order_id, quantity, price, ts)
		VALUES (?,?,?,?,?,?,?)`,
		rec.IdemKey, rec.Symbol, rec.Intent, rec.OrderID, rec.Quantity, rec.Price, rec.At.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateExecution, rec.IdemKey)
		}
		return fmt.Errorf("写执行记录失败: %w", err)
	}
	return nil
}

// Execution 按幂等键取回记录，不存在返回 nil。
func (s *Store) Execution(ctx context.Context, idemKey string) (*ExecutionRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var (
		rec ExecutionRecord
		ms  int64
	)
	row := db.QueryRowContext(ctx, `
		SELECT idem_key, symbol, intent, order_id, quantity, price, ts
		FROM executions WHERE idem_key = ?`, idemKey)
	err = row.Scan(&rec.IdemKey, &rec.Symbol, &rec.Intent, &rec.OrderID, &rec.Quantity, &rec.Price, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.At = time.UnixMilli(ms)
	return &rec, nil
}

// RecordTransition 状态跃迁审计，只追加不更新。
func (s *Store) RecordTransition(ctx context.Context, tr position.Transition) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO transitions (symbol, from_state, to_state, cause, ts)
		VALUES (?,?,?,?,?)`,
		tr.Symbol, int(tr.From), int(tr.To), tr.Cause, tr.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("写跃迁记录失败: %w", err)
	}
	return nil
}

// TransitionsBySymbol 某标的的跃迁历史，时间正序。
func (s *Store) TransitionsBySymbol(ctx context.Context, symbol string, limit int) ([]position.Transition, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT symbol, from_state, to_state, cause, ts FROM transitions
		WHERE symbol = ? ORDER BY ts, id LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []position.Transition
	for rows.Next() {
		var (
			tr       position.Transition
			from, to int
			ms       int64
		)
		if err := rows.Scan(&tr.Symbol, &from, &to, &tr.Cause, &ms); err != nil {
			return nil, err
		}
		tr.From = position.State(from)
		tr.To = position.State(to)
		tr.Timestamp = time.UnixMilli(ms)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// GuardEventRecord 一次守卫裁决。
type GuardEventRecord struct {
	Symbol  string
	Guard   string
	Allowed bool
	Reason  string
	Value   float64
	At      time.Time
}

// RecordGuardEvent 守卫事件审计。
func (s *Store) RecordGuardEvent(ctx context.Context, ev GuardEventRecord) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO guard_events (symbol, guard, allowed, reason, value, ts)
		VALUES (?,?,?,?,?,?)`,
		ev.Symbol, ev.Guard, boolToInt(ev.Allowed), ev.Reason, ev.Value, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("写守卫事件失败: %w", err)
	}
	return nil
}

// RecentGuardEvents 守卫事件分页，时间倒序。
func (s *Store) RecentGuardEvents(ctx context.Context, limit, offset int) ([]GuardEventRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT symbol, guard, allowed, reason, value, ts FROM guard_events
		ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuardEventRecord
	for rows.Next() {
		var (
			ev      GuardEventRecord
			allowed int
			ms      int64
		)
		if err := rows.Scan(&ev.Symbol, &ev.Guard, &allowed, &ev.Reason, &ev.Value, &ms); err != nil {
			return nil, err
		}
		ev.Allowed = allowed != 0
		ev.At = time.UnixMilli(ms)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordRiskEvent 风险等级变化审计。
func (s *Store) RecordRiskEvent(ctx context.Context, level string, reasons []string, multiplier float64, at time.Time) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO risk_events (level, reasons, multiplier, ts) VALUES (?,?,?,?)`,
		level, strings.Join(reasons, ";"), multiplier, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("写风险事件失败: %w", err)
	}
	return nil
}
