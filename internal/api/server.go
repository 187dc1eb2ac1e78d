// Package api exposes backtests, live strategies and historical data over
// HTTP. Every response uses the {code, message, data} envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/backtest"
	"binance-grid-trader-go/internal/database"
	"binance-grid-trader-go/internal/live"
	"binance-grid-trader-go/internal/marketdata"
	"binance-grid-trader-go/internal/models"
)

// Backtester runs and stores backtests.
type Backtester interface {
	Run(ctx context.Context, req backtest.RunRequest) (backtest.Result, error)
	Get(ctx context.Context, id string) (backtest.Result, bool, error)
	List(ctx context.Context) ([]backtest.Summary, error)
}

// Trader starts and stops live strategies.
type Trader interface {
	StartStrategy(ctx context.Context, name, symbol string, params map[string]any) (string, error)
	StopStrategy(ctx context.Context, id string) error
	List() []live.StrategyInfo
}

// TradeJournal reads recorded live trades.
type TradeJournal interface {
	Trades(ctx context.Context, limit int) ([]models.Trade, error)
	Statistics(ctx context.Context, now time.Time) (database.Statistics, error)
}

// DataService downloads and lists historical kline files.
type DataService interface {
	Download(ctx context.Context, req marketdata.Request) (string, error)
	ListFiles() ([]string, error)
}

// Config describes the dependencies of the API server.
type Config struct {
	Port       int
	Name       string
	Strategies []string
	Backtests  Backtester
	Trader     Trader
	Journal    TradeJournal
	Data       DataService
}

// Server provides an HTTP interface for backtests, live trading and data.
type Server struct {
	cfg       Config
	router    *gin.Engine
	logger    *zap.Logger
	uuid      string
	startTime time.Time

	// bg scopes background downloads; it is canceled on shutdown.
	bg        context.Context
	cancelBg  context.CancelFunc
	downloads sync.WaitGroup
}

// NewServer creates a new Server and registers its routes.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		router:    gin.New(),
		logger:    logger.Named("api-server"),
		uuid:      uuid.NewString(),
		startTime: time.Now(),
		bg:        bg,
		cancelBg:  cancel,
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/status", s.statusHandler)

	v1 := s.router.Group("/api/v1")

	bt := v1.Group("/backtest")
	bt.POST("/run", s.runBacktest)
	bt.GET("/list", s.listBacktests)
	bt.GET("/:id", s.getBacktest)

	trade := v1.Group("/trade")
	trade.POST("/start", s.startStrategy)
	trade.POST("/stop", s.stopStrategy)
	trade.GET("/strategies", s.listStrategies)
	trade.GET("/trades", s.listTrades)
	trade.GET("/statistics", s.statistics)

	data := v1.Group("/data")
	data.POST("/download", s.downloadKlines)
	data.GET("/files", s.listFiles)
}

// Start serves on the configured port until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Stopping API server...")
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shCtx)
		s.Close()
		return err
	case err := <-errCh:
		s.Close()
		return err
	}
}

// Close cancels background downloads and waits for them to return.
func (s *Server) Close() {
	s.cancelBg()
	s.downloads.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
