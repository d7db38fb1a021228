package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aifx-advisor/internal/indicators"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

// periodTimeframes maps trading-style periods accepted by the generate
// endpoint to concrete timeframes.
var periodTimeframes = map[string]market.Timeframe{
	"scalp":    market.TF15m,
	"day":      market.TF1h,
	"swing":    market.TF4h,
	"position": market.TF1d,
	"longterm": market.TF1w,
}

func (s *Server) handleHealth(c *gin.Context) {
	out := gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.health.Scheduler != nil {
		out["scheduler"] = s.health.Scheduler.Stats()
	}
	if s.health.Pipeline != nil {
		out["pipeline"] = s.health.Pipeline.Stats()
	}
	if s.health.Dispatcher != nil {
		out["dispatcher"] = s.health.Dispatcher.Stats()
	}
	if s.health.Monitor != nil {
		out["monitor"] = s.health.Monitor.Stats()
	}
	if s.health.Gateway != nil {
		out["gateway"] = gin.H{"provider_failures": s.health.Gateway.Health()}
	}
	if s.health.Predictor != nil {
		out["ml_breaker"] = string(s.health.Predictor.BreakerState())
	}
	if s.health.Mirror != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Mirror.HealthCheck(ctx); err != nil {
			out["mirror"] = "unreachable"
			out["status"] = "degraded"
		} else {
			out["mirror"] = "ok"
		}
	}
	c.JSON(http.StatusOK, out)
}

// parseStream reads pair and timeframe query params.
func parseStream(c *gin.Context) (market.Pair, market.Timeframe, bool) {
	pair, err := market.ParsePair(c.Query("pair"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", false
	}
	tf, err := market.ParseTimeframe(c.DefaultQuery("timeframe", "1h"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", false
	}
	return pair, tf, true
}

func (s *Server) handleGetSignal(c *gin.Context) {
	pair, tf, ok := parseStream(c)
	if !ok {
		return
	}
	sig, err := s.signals.GetLatest(c.Request.Context(), pair, tf)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sig == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no signal for stream"})
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) handleGetLastChange(c *gin.Context) {
	pair, tf, ok := parseStream(c)
	if !ok {
		return
	}
	change, err := s.signals.LastChange(c.Request.Context(), pair, tf)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if change == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no change for stream"})
		return
	}
	c.JSON(http.StatusOK, change)
}

type generateRequest struct {
	Pair      string `json:"pair" binding:"required"`
	Timeframe string `json:"timeframe"`
	Period    string `json:"period"` // scalp|day|swing|position|longterm
}

// handleGenerateSignal runs the synthesis pipeline on demand, bypassing
// the scheduler.
func (s *Server) handleGenerateSignal(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := market.ParsePair(req.Pair)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tf := market.TF1h
	switch {
	case req.Timeframe != "":
		if tf, err = market.ParseTimeframe(req.Timeframe); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	case req.Period != "":
		var ok bool
		if tf, ok = periodTimeframes[req.Period]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown period " + req.Period})
			return
		}
	}

	sig, err := s.runner.Process(c.Request.Context(), pair, tf)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientHistory) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient bar history"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sig)
}

type subscriptionRequest struct {
	Pair      string `json:"pair" binding:"required"`
	Timeframe string `json:"timeframe" binding:"required"`
	Transport string `json:"transport" binding:"required"`
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	subs := s.registry.Subscriptions(subscriberID(c))
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub := registry.Subscription{
		SubscriberID: subscriberID(c),
		Transport:    registry.Transport(req.Transport),
		Pair:         market.Pair(req.Pair),
		Timeframe:    market.Timeframe(req.Timeframe),
	}
	if err := s.registry.Subscribe(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub := registry.Subscription{
		SubscriberID: subscriberID(c),
		Transport:    registry.Transport(req.Transport),
		Pair:         market.Pair(req.Pair),
		Timeframe:    market.Timeframe(req.Timeframe),
	}
	if err := s.registry.Unsubscribe(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.GetPolicy(subscriberID(c)))
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var patch registry.PolicyPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	policy, err := s.registry.UpdatePolicy(c.Request.Context(), subscriberID(c), &patch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.positions.ListBySubscriber(c.Request.Context(), subscriberID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

type openPositionRequest struct {
	Pair         string  `json:"pair" binding:"required"`
	Direction    string  `json:"direction" binding:"required"`
	EntryPrice   float64 `json:"entry_price" binding:"required"`
	StopLoss     float64 `json:"stop_loss" binding:"required"`
	TakeProfit   float64 `json:"take_profit" binding:"required"`
	PositionSize float64 `json:"position_size"`
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req openPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := market.ParsePair(req.Pair)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	direction := store.PositionDirection(req.Direction)
	if direction != store.DirectionLong && direction != store.DirectionShort {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be long or short"})
		return
	}

	p := &store.Position{
		ID:           signal.NewID(),
		SubscriberID: subscriberID(c),
		Pair:         pair,
		Direction:    direction,
		EntryPrice:   req.EntryPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		PositionSize: req.PositionSize,
		OpenedAt:     time.Now().UTC(),
		Status:       store.PositionOpen,
	}
	if err := s.positions.Open(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

type closePositionRequest struct {
	ExitPrice float64 `json:"exit_price" binding:"required"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	p, err := s.positions.Get(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil || p.SubscriberID != subscriberID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}

	pnl := p.UnrealizedPips(req.ExitPrice)
	result := store.ResultBreakeven
	if pnl > 0 {
		result = store.ResultWin
	} else if pnl < 0 {
		result = store.ResultLoss
	}
	if err := s.positions.Close(ctx, p.ID, req.ExitPrice, pnl, result, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrPositionClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": "position already closed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	closed, _ := s.positions.Get(ctx, p.ID)
	c.JSON(http.StatusOK, closed)
}

type pairRequest struct {
	Pair string `json:"pair" binding:"required"`
}

func (s *Server) handlePausePair(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := market.ParsePair(req.Pair)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.pairs.Pause(pair)
	c.JSON(http.StatusOK, gin.H{"pair": pair, "paused": true})
}

func (s *Server) handleResumePair(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := market.ParsePair(req.Pair)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.pairs.Resume(pair)
	c.JSON(http.StatusOK, gin.H{"pair": pair, "paused": false})
}
