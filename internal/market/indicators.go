package market

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"
)

// 指标辅助：核心只用到 ATR（波动参考）、收盘收益率与双标的相关系数，
// 统一走 talib，保持与行情分析侧一致。

// ATR 取最近 period 周期的平均真实波幅。数据不足时报错而非返回 0，
// 避免把 0 波动当成可用参考。
func ATR(ctx context.Context, store KlineStore, symbol, interval string, period int) (float64, error) {
	ks, err := store.Get(ctx, symbol, interval)
	if err != nil {
		return 0, err
	}
	if len(ks) < period+1 {
		return 0, fmt.Errorf("ATR 数据不足: %s@%s 仅 %d 根", symbol, interval, len(ks))
	}
	high := make([]float64, len(ks))
	low := make([]float64, len(ks))
	closes := make([]float64, len(ks))
	for i, k := range ks {
		high[i], low[i], closes[i] = k.High, k.Low, k.Close
	}
	out := talib.Atr(high, low, closes, period)
	v := out[len(out)-1]
	if v <= 0 {
		return 0, fmt.Errorf("ATR 非法值: %s@%s %.8f", symbol, interval, v)
	}
	return v, nil
}

// Returns 收盘价的简单收益率序列（长度 len-1）。
func Returns(ks []Kline) []float64 {
	if len(ks) < 2 {
		return nil
	}
	out := make([]float64, 0, len(ks)-1)
	for i := 1; i < len(ks); i++ {
		prev := ks[i-1].Close
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (ks[i].Close-prev)/prev)
	}
	return out
}

// Correlation 两个标的收盘价在 window 周期内的皮尔逊相关系数。
func Correlation(ctx context.Context, store KlineStore, a, b, interval string, window int) (float64, error) {
	ka, err := store.Get(ctx, a, interval)
	if err != nil {
		return 0, err
	}
	kb, err := store.Get(ctx, b, interval)
	if err != nil {
		return 0, err
	}
	if len(ka) < window || len(kb) < window {
		return 0, fmt.Errorf("相关性数据不足: %s=%d %s=%d 需要 %d", a, len(ka), b, len(kb), window)
	}
	ca := make([]float64, window)
	cb := make([]float64, window)
	for i := 0; i < window; i++ {
		ca[i] = ka[len(ka)-window+i].Close
		cb[i] = kb[len(kb)-window+i].Close
	}
	out := talib.Correl(ca, cb, window)
	return out[len(out)-1], nil
}

// QuoteVolume 最近 n 根 K 线的计价币成交额合计。
func QuoteVolume(ctx context.Context, store KlineStore, symbol, interval string, n int) (float64, error) {
	ks, err := store.Get(ctx, symbol, interval)
	if err != nil {
		return 0, err
	}
	if len(ks) == 0 {
		return 0, fmt.Errorf("无 K 线数据: %s@%s", symbol, interval)
	}
	if n > len(ks) {
		n = len(ks)
	}
	sum := 0.0
	for _, k := range ks[len(ks)-n:] {
		if k.QuoteVolume > 0 {
			sum += k.QuoteVolume
		} else {
			sum += k.Volume * k.Close
		}
	}
	return sum, nil
}
