package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pilot/internal/engine"
	"pilot/internal/gateway/database"
	"pilot/internal/logger"
	"pilot/internal/position"
	"pilot/internal/risk"
	"pilot/internal/signal"
)

var log = logger.With("http")

// SignalSink 手动信号入口（通常是 Trader 的队列）。
type SignalSink interface {
	Push(s signal.Signal) bool
}

// Server 观察面加手动信号入口：持仓、风险状态、守卫/跃迁审计、指标。
// 注入的信号照常走校验与守卫流水线，这里没有直接下单的写接口。
type Server struct {
	addr  string
	eng   *engine.Engine
	store *database.Store
	risk  *risk.Controller
	sink  SignalSink
}

func NewServer(addr string, eng *engine.Engine, store *database.Store, rc *risk.Controller, sink SignalSink) *Server {
	return &Server{addr: addr, eng: eng, store: store, risk: rc, sink: sink}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/positions", s.listPositions)
	api.GET("/positions/history", s.positionHistory)
	api.GET("/positions/:symbol", s.getPosition)
	api.GET("/positions/:symbol/transitions", s.listTransitions)
	api.GET("/risk", s.riskState)
	api.GET("/guard/events", s.guardEvents)
	api.POST("/signals", s.pushSignal)
	return r
}

// Run 起服务直到 ctx 取消。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router()}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("✓ HTTP 监听 %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	}
}

type positionView struct {
	Symbol        string                 `json:"symbol"`
	Side          string                 `json:"side"`
	State         string                 `json:"state"`
	EntryPrice    float64                `json:"entry_price"`
	OriginalSize  float64                `json:"original_size"`
	RemainingSize float64                `json:"remaining_size"`
	StopPrice     float64                `json:"stop_price"`
	TakeProfit    float64                `json:"take_profit"`
	MissingStopTP bool                   `json:"missing_stop_tp"`
	PartialExits  []position.PartialExit `json:"partial_exits,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func toView(p *position.Position) positionView {
	return positionView{
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		State:         p.State.String(),
		EntryPrice:    p.EntryPrice,
		OriginalSize:  p.OriginalSize,
		RemainingSize: p.RemainingSize,
		StopPrice:     p.StopPrice,
		TakeProfit:    p.TakeProfit,
		MissingStopTP: p.MissingStopTP,
		PartialExits:  p.PartialExits,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (s *Server) listPositions(c *gin.Context) {
	ps := s.eng.Positions()
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toView(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (s *Server) getPosition(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if p, ok := s.eng.Get(symbol); ok {
		c.JSON(http.StatusOK, toView(p))
		return
	}
	p, err := s.store.PositionBySymbol(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no position"})
		return
	}
	c.JSON(http.StatusOK, toView(p))
}

func (s *Server) positionHistory(c *gin.Context) {
	limit, offset := pageParams(c)
	ps, err := s.store.RecentPositions(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toView(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "limit": limit, "offset": offset})
}

func (s *Server) listTransitions(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	limit, _ := pageParams(c)
	trs, err := s.store.TransitionsBySymbol(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type view struct {
		From  string    `json:"from"`
		To    string    `json:"to"`
		Cause string    `json:"cause"`
		At    time.Time `json:"at"`
	}
	out := make([]view, 0, len(trs))
	for _, tr := range trs {
		out = append(out, view{From: tr.From.String(), To: tr.To.String(), Cause: tr.Cause, At: tr.Timestamp})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "transitions": out})
}

func (s *Server) riskState(c *gin.Context) {
	snap := s.risk.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"level":              snap.Level.String(),
		"reasons":            snap.Reasons,
		"multiplier":         snap.Multiplier,
		"halted":             snap.Halted,
		"daily_loss_pct":     snap.DailyLossPct,
		"consecutive_losses": snap.ConsecutiveLosses,
		"equity":             snap.Equity,
		"day_start_equity":   snap.DayStartEquity,
	})
}

type signalRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Score      float64 `json:"score"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	TakeProfit float64 `json:"take_profit"`
	SizeHint   float64 `json:"size_hint"`
}

func (s *Server) pushSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side, ok := position.NormalizeSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side 必须是 long/short"})
		return
	}
	sig := signal.Signal{
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:       side,
		Score:      req.Score,
		Entry:      req.Entry,
		Stop:       req.Stop,
		TakeProfit: req.TakeProfit,
		SizeHint:   req.SizeHint,
		At:         time.Now(),
	}
	if err := sig.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.sink.Push(sig) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "信号队列已满"})
		return
	}
	log.Infof("手动信号入队 %s %s score=%.2f", sig.Symbol, sig.Side, sig.Score)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "symbol": sig.Symbol})
}

func (s *Server) guardEvents(c *gin.Context) {
	limit, offset := pageParams(c)
	evs, err := s.store.RecentGuardEvents(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "limit": limit, "offset": offset})
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
