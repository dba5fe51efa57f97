package market

import (
	"context"
	"errors"
	"sync"
)

// Kline 简化的 K 线结构。
type Kline struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	// QuoteVolume 计价币成交额，流动性守卫用。
	QuoteVolume float64
}

// KlineStore 抽象：读写 symbol+interval 的序列。
type KlineStore interface {
	Put(ctx context.Context, symbol, interval string, ks []Kline, max int) error
	Get(ctx context.Context, symbol, interval string) ([]Kline, error)
}

// MemoryKlineStore 内存实现，append + 裁剪。
type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]Kline
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]Kline)}
}

func key(symbol, interval string) string { return symbol + "@" + interval }

// Put 追加并裁剪；同 OpenTime 的尾部 K 线视为更新而非追加。
func (s *MemoryKlineStore) Put(ctx context.Context, symbol, interval string, ks []Kline, max int) error {
	if symbol == "" || interval == "" {
		return errors.New("symbol/interval 不能为空")
	}
	if len(ks) == 0 {
		return nil
	}
	if max <= 0 {
		max = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(symbol, interval)
	cur := s.data[k]
	for _, nk := range ks {
		if n := len(cur); n > 0 && cur[n-1].OpenTime == nk.OpenTime {
			cur[n-1] = nk
			continue
		}
		cur = append(cur, nk)
	}
	if len(cur) > max {
		cur = cur[len(cur)-max:]
	}
	s.data[k] = cur
	return nil
}

// Get 返回拷贝，避免调用方改写内部切片。
func (s *MemoryKlineStore) Get(ctx context.Context, symbol, interval string) ([]Kline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, interval)]
	if len(cur) == 0 {
		return nil, nil
	}
	out := make([]Kline, len(cur))
	copy(out, cur)
	return out, nil
}
