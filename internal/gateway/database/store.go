package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store 基于 sqlite 的落盘层：仓位快照、状态跃迁、守卫事件、
// 执行记录（幂等键唯一约束）与风险事件。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore 打开（必要时创建）数据库并初始化表结构。
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite 单写者，多连接只会换来 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			original_size REAL NOT NULL,
			remaining_size REAL NOT NULL,
			stop_price REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			initial_risk REAL NOT NULL DEFAULT 0,
			atr_ref REAL NOT NULL DEFAULT 0,
			broker_id TEXT NOT NULL DEFAULT '',
			stop_order_id TEXT NOT NULL DEFAULT '',
			tp_order_id TEXT NOT NULL DEFAULT '',
			missing_stop_tp INTEGER NOT NULL DEFAULT 0,
			partial_exits TEXT NOT NULL DEFAULT '[]',
			state INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, opened_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			from_state INTEGER NOT NULL,
			to_state INTEGER NOT NULL,
			cause TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_symbol ON transitions(symbol, ts);`,
		`CREATE TABLE IF NOT EXISTS guard_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			guard TEXT NOT NULL,
			allowed INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS executions (
			idem_key TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			intent TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			quantity REAL NOT NULL DEFAULT 0,
			price REAL NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			reasons TEXT NOT NULL DEFAULT '',
			multiplier REAL NOT NULL DEFAULT 1,
			ts INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	return s.db, nil
}

// NextSequence 重启后恢复幂等键序号：取已用最大序号。
// 执行记录的 idem_key 形如 SYMBOL:intent:seq。
func (s *Store) NextSequence(ctx context.Context) (uint64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(substr(idem_key, length(rtrim(idem_key,'0123456789'))+1) AS INTEGER)), 0)
		FROM executions`).Scan(&n)
	if err != nil {
		return 0, err
	}
	if !n.Valid || n.Int64 < 0 {
		return 0, nil
	}
	return uint64(n.Int64), nil
}
