package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"pilot/internal/logger"
)

// Quote 单次行情观测：最新价及观测区间内的高低点。
type Quote struct {
	Last float64
	High float64
	Low  float64
}

// PriceSink 行情事件的下游（追踪止损管理器实现该接口）。
type PriceSink interface {
	Publish(symbol string, q Quote)
}

const defaultKlineInterval = "5m"

var feedLog = logger.With("market feed")

// Feed 订阅合约标记价与 K 线流：标记价推给 PriceSink，
// 收线后的 K 线写入缓存供 ATR/守卫使用。
type Feed struct {
	store    KlineStore
	sink     PriceSink
	symbols  []string
	interval string
	maxKeep  int
	client   *futures.Client
}

func NewFeed(client *futures.Client, store KlineStore, sink PriceSink, symbols []string, maxKeep int) *Feed {
	return &Feed{
		store:    store,
		sink:     sink,
		symbols:  symbols,
		interval: defaultKlineInterval,
		maxKeep:  maxKeep,
		client:   client,
	}
}

// Preheat 启动前 REST 预热，避免冷启动时 ATR/流动性守卫无数据可用。
func (f *Feed) Preheat(ctx context.Context) error {
	for _, sym := range f.symbols {
		ks, err := f.client.NewKlinesService().
			Symbol(sym).
			Interval(f.interval).
			Limit(f.maxKeep).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("预热 %s 失败: %w", sym, err)
		}
		converted := make([]Kline, 0, len(ks))
		for _, k := range ks {
			converted = append(converted, convertRESTKline(k))
		}
		if err := f.store.Put(ctx, sym, f.interval, converted, f.maxKeep); err != nil {
			return err
		}
		feedLog.Debugf("preheat %s@%s %d 根", sym, f.interval, len(converted))
	}
	feedLog.Infof("✓ 预热完成 symbols=%d interval=%s", len(f.symbols), f.interval)
	return nil
}

// Run 维持 WS 订阅直到 ctx 取消；断线按固定间隔重连。
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.subscribe(ctx); err != nil && ctx.Err() == nil {
			feedLog.Warnf("ws 断开，5s 后重连: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (f *Feed) subscribe(ctx context.Context) error {
	wanted := make(map[string]bool, len(f.symbols))
	pairs := make(map[string]string, len(f.symbols))
	for _, s := range f.symbols {
		wanted[strings.ToUpper(s)] = true
		pairs[strings.ToUpper(s)] = f.interval
	}

	markDone, markStop, err := futures.WsAllMarkPriceServe(func(events futures.WsAllMarkPriceEvent) {
		for _, evt := range events {
			if !wanted[evt.Symbol] {
				continue
			}
			price, _ := strconv.ParseFloat(evt.MarkPrice, 64)
			if price <= 0 || f.sink == nil {
				continue
			}
			f.sink.Publish(evt.Symbol, Quote{Last: price, High: price, Low: price})
		}
	}, func(err error) {
		feedLog.Warnf("mark price 流错误: %v", err)
	})
	if err != nil {
		return err
	}

	klineDone, klineStop, err := futures.WsCombinedKlineServe(pairs, func(evt *futures.WsKlineEvent) {
		if evt == nil || !evt.Kline.IsFinal {
			return
		}
		k := evt.Kline
		converted := Kline{
			OpenTime:  k.StartTime,
			CloseTime: k.EndTime,
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
		}
		converted.QuoteVolume = parseF(k.QuoteVolume)
		if err := f.store.Put(context.Background(), evt.Symbol, f.interval, []Kline{converted}, f.maxKeep); err != nil {
			feedLog.Warnf("写入 K 线失败 %s: %v", evt.Symbol, err)
		}
	}, func(err error) {
		feedLog.Warnf("kline 流错误: %v", err)
	})
	if err != nil {
		close(markStop)
		return err
	}

	select {
	case <-ctx.Done():
		close(markStop)
		close(klineStop)
		return ctx.Err()
	case <-markDone:
		close(klineStop)
		return fmt.Errorf("mark price 流退出")
	case <-klineDone:
		close(markStop)
		return fmt.Errorf("kline 流退出")
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func convertRESTKline(k *futures.Kline) Kline {
	return Kline{
		OpenTime:    k.OpenTime,
		CloseTime:   k.CloseTime,
		Open:        parseF(k.Open),
		High:        parseF(k.High),
		Low:         parseF(k.Low),
		Close:       parseF(k.Close),
		Volume:      parseF(k.Volume),
		QuoteVolume: parseF(k.QuoteAssetVolume),
	}
}
