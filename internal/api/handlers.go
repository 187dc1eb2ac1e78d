package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/backtest"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/live"
	"binance-grid-trader-go/internal/marketdata"
	"binance-grid-trader-go/internal/strategy"
)

// Response is the envelope of every API response.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// StartRequest starts a live strategy.
type StartRequest struct {
	StrategyName string         `json:"strategy_name" binding:"required"`
	Symbol       string         `json:"symbol" binding:"required"`
	Parameters   map[string]any `json:"parameters"`
}

// StopRequest stops a live strategy.
type StopRequest struct {
	StrategyID string `json:"strategy_id" binding:"required"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Message: "Success", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Code: status, Message: message})
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, backtest.ErrDataNotFound),
		errors.Is(err, strategy.ErrNotFound),
		errors.Is(err, live.ErrStrategyNotFound),
		errors.Is(err, marketdata.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, strategy.ErrInvalidParams),
		errors.Is(err, marketdata.ErrInvalidRequest),
		errors.Is(err, exchange.ErrOrderResolved):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) failWith(c *gin.Context, op string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	}
	fail(c, status, err.Error())
}

func (s *Server) healthHandler(c *gin.Context) {
	ok(c, gin.H{"status": "ok"})
}

func (s *Server) statusHandler(c *gin.Context) {
	running := 0
	if s.cfg.Trader != nil {
		for _, info := range s.cfg.Trader.List() {
			if info.Status == strategy.StatusRunning {
				running++
			}
		}
	}
	ok(c, gin.H{
		"uuid":               s.uuid,
		"name":               s.cfg.Name,
		"strategies":         s.cfg.Strategies,
		"running_strategies": running,
		"start_time":         s.startTime.Format(time.RFC3339),
		"uptime":             time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) runBacktest(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.cfg.Backtests.Run(c.Request.Context(), req)
	if err != nil {
		s.failWith(c, "run backtest", err)
		return
	}
	ok(c, result)
}

func (s *Server) listBacktests(c *gin.Context) {
	list, err := s.cfg.Backtests.List(c.Request.Context())
	if err != nil {
		s.failWith(c, "list backtests", err)
		return
	}
	ok(c, list)
}

func (s *Server) getBacktest(c *gin.Context) {
	result, found, err := s.cfg.Backtests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.failWith(c, "get backtest", err)
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "Backtest result not found")
		return
	}
	ok(c, result)
}

func (s *Server) startStrategy(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	id, err := s.cfg.Trader.StartStrategy(c.Request.Context(), req.StrategyName, req.Symbol, req.Parameters)
	if err != nil {
		s.failWith(c, "start strategy", err)
		return
	}
	info, found := s.findStrategy(id)
	if !found {
		fail(c, http.StatusInternalServerError, fmt.Sprintf("strategy %s vanished after start", id))
		return
	}
	ok(c, info)
}

func (s *Server) stopStrategy(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Trader.StopStrategy(c.Request.Context(), req.StrategyID); err != nil {
		s.failWith(c, "stop strategy", err)
		return
	}
	info, _ := s.findStrategy(req.StrategyID)
	ok(c, info)
}

func (s *Server) findStrategy(id string) (live.StrategyInfo, bool) {
	for _, info := range s.cfg.Trader.List() {
		if info.ID == id {
			return info, true
		}
	}
	return live.StrategyInfo{}, false
}

func (s *Server) listStrategies(c *gin.Context) {
	ok(c, s.cfg.Trader.List())
}

// listTrades returns recorded trades, most recent first.
func (s *Server) listTrades(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	trades, err := s.cfg.Journal.Trades(c.Request.Context(), limit)
	if err != nil {
		s.failWith(c, "list trades", err)
		return
	}
	ok(c, trades)
}

func (s *Server) statistics(c *gin.Context) {
	stats, err := s.cfg.Journal.Statistics(c.Request.Context(), time.Now())
	if err != nil {
		s.failWith(c, "statistics", err)
		return
	}
	ok(c, stats)
}

// downloadKlines starts a download in the background and answers at once.
// With ?wait=true it answers when the file is written.
func (s *Server) downloadKlines(c *gin.Context) {
	var req marketdata.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.failWith(c, "download klines", err)
		return
	}
	summary := gin.H{
		"symbol":   req.Symbol,
		"interval": req.Interval,
		"range":    fmt.Sprintf("%s to %s", req.StartDate, req.EndDate),
		"file":     req.FileName(),
	}

	if c.Query("wait") == "true" {
		name, err := s.cfg.Data.Download(c.Request.Context(), req)
		if err != nil {
			s.failWith(c, "download klines", err)
			return
		}
		summary["file"] = name
		ok(c, summary)
		return
	}

	s.downloads.Add(1)
	go func() {
		defer s.downloads.Done()
		if _, err := s.cfg.Data.Download(s.bg, req); err != nil {
			s.logger.Error("Background download failed", zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, Response{
		Code:    http.StatusAccepted,
		Message: fmt.Sprintf("Started downloading klines for %s from %s to %s.", req.Symbol, req.StartDate, req.EndDate),
		Data:    summary,
	})
}

func (s *Server) listFiles(c *gin.Context) {
	files, err := s.cfg.Data.ListFiles()
	if err != nil {
		s.failWith(c, "list files", err)
		return
	}
	ok(c, gin.H{"files": files})
}
