package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pilot/internal/position"
)

// 信号层：方向得分与止损/止盈/数量建议对核心是不透明输入，
// 怎么算出来的不在本仓库职责内。

// Signal 一条入场信号。
type Signal struct {
	Symbol     string
	Side       position.Side
	Score      float64 // 方向置信度，(0,1]
	Entry      float64 // 参考入场价（0 表示市价）
	Stop       float64
	TakeProfit float64
	SizeHint   float64 // 建议数量，0 时由引擎按风险比例推算
	TraceID    string
	At         time.Time
}

// ErrInvalid 校验类错误：不发任何交易所请求直接拒绝。
var ErrInvalid = errors.New("signal: invalid")

// Validate 入场前的结构校验。
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: symbol 为空", ErrInvalid)
	}
	if s.Side != position.SideLong && s.Side != position.SideShort {
		return fmt.Errorf("%w: side=%q", ErrInvalid, s.Side)
	}
	if s.Score <= 0 || s.Score > 1 {
		return fmt.Errorf("%w: score=%.4f", ErrInvalid, s.Score)
	}
	if s.Stop <= 0 || s.TakeProfit <= 0 {
		return fmt.Errorf("%w: stop=%.4f tp=%.4f", ErrInvalid, s.Stop, s.TakeProfit)
	}
	if s.Entry > 0 {
		if s.Side == position.SideLong && !(s.Stop < s.Entry && s.Entry < s.TakeProfit) {
			return fmt.Errorf("%w: 多头需 stop < entry < tp (%.4f/%.4f/%.4f)", ErrInvalid, s.Stop, s.Entry, s.TakeProfit)
		}
		if s.Side == position.SideShort && !(s.TakeProfit < s.Entry && s.Entry < s.Stop) {
			return fmt.Errorf("%w: 空头需 tp < entry < stop (%.4f/%.4f/%.4f)", ErrInvalid, s.TakeProfit, s.Entry, s.Stop)
		}
	}
	if s.SizeHint < 0 {
		return fmt.Errorf("%w: size_hint=%.8f", ErrInvalid, s.SizeHint)
	}
	return nil
}

// Source 信号来源（集成策略/外部推送均实现该接口）。
type Source interface {
	Name() string
	Signals() <-chan Signal
}

// Select 在构造期从封闭集合中按名字挑选来源，不做运行期替换。
func Select(name string, sources ...Source) (Source, error) {
	for _, src := range sources {
		if src != nil && strings.EqualFold(src.Name(), name) {
			return src, nil
		}
	}
	return nil, fmt.Errorf("未知信号来源: %s", name)
}

// ChanSource 最简实现：外部往通道塞信号（测试与手动触发用）。
type ChanSource struct {
	name string
	ch   chan Signal
}

func NewChanSource(name string, buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSource{name: name, ch: make(chan Signal, buffer)}
}

func (c *ChanSource) Name() string           { return c.name }
func (c *ChanSource) Signals() <-chan Signal { return c.ch }
func (c *ChanSource) TryPush(s Signal) bool {
	select {
	case c.ch <- s:
		return true
	default:
		return false
	}
}
