// Package marketdata downloads historical klines from the Binance public data
// archive and keeps them as CSV files for backtests.
package marketdata

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"binance-grid-trader-go/internal/backtest"
	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
)

const monthLayout = "2006-01"

var (
	// ErrInvalidRequest is returned for malformed download requests.
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrNoData is returned when none of the requested months exist.
	ErrNoData = errors.New("no klines downloaded")
)

// Request selects the months to download, both ends inclusive, as YYYY-MM.
type Request struct {
	Symbol     string `json:"symbol" binding:"required"`
	Interval   string `json:"interval" binding:"required"`
	StartDate  string `json:"start_date" binding:"required"`
	EndDate    string `json:"end_date" binding:"required"`
	MarketKind string `json:"market_type"`
}

// FileName is the name of the merged CSV the request produces.
func (r Request) FileName() string {
	return fmt.Sprintf("%s-%s-%s-%s.csv", r.Symbol, r.Interval, r.StartDate, r.EndDate)
}

// Downloader fetches monthly kline archives and merges them into one CSV.
type Downloader struct {
	client      *resty.Client
	dataDir     string
	concurrency int
	logger      *zap.Logger
}

// NewDownloader creates a downloader that saves into dataDir.
func NewDownloader(cfg config.MarketData, dataDir string, logger *zap.Logger) *Downloader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Downloader{
		client:      resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).SetTimeout(timeout),
		dataDir:     dataDir,
		concurrency: concurrency,
		logger:      logger.Named("marketdata"),
	}
}

// Download fetches every month of req, merges the candles in open time order
// and writes them to req.FileName() in the data directory. Months the archive
// does not have are skipped; ErrNoData is returned when all are missing.
func (d *Downloader) Download(ctx context.Context, req Request) (string, error) {
	months, err := req.months()
	if err != nil {
		return "", err
	}
	market, _ := exchange.ParseMarketKind(req.MarketKind)
	l := d.logger.With(zap.String("symbol", req.Symbol), zap.String("interval", req.Interval))
	l.Info("Starting download",
		zap.String("from", req.StartDate),
		zap.String("to", req.EndDate),
		zap.Int("months", len(months)),
	)

	results := make([][]exchange.Candle, len(months))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, month := range months {
		g.Go(func() error {
			candles, err := d.fetchMonth(gctx, market, req.Symbol, req.Interval, month)
			if err != nil {
				return err
			}
			results[i] = candles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	candles := merge(results)
	if len(candles) == 0 {
		l.Warn("No data downloaded")
		return "", fmt.Errorf("%w: %s %s %s..%s", ErrNoData, req.Symbol, req.Interval, req.StartDate, req.EndDate)
	}

	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	name := req.FileName()
	if err := writeFile(filepath.Join(d.dataDir, name), candles); err != nil {
		return "", err
	}
	l.Info("Saved merged klines", zap.String("file", name), zap.Int("candles", len(candles)))
	return name, nil
}

// ListFiles returns the CSV files in the data directory, sorted by name.
func (d *Downloader) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list data dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func archivePath(market exchange.MarketKind, symbol, interval string, month time.Time) string {
	root := "/data/spot/monthly/klines"
	if market == exchange.MarketUSDTFutures {
		root = "/data/futures/um/monthly/klines"
	}
	file := fmt.Sprintf("%s-%s-%s.zip", symbol, interval, month.Format(monthLayout))
	return fmt.Sprintf("%s/%s/%s/%s", root, symbol, interval, file)
}

// fetchMonth downloads and unpacks one monthly archive. A month the archive
// does not serve yields no candles and no error.
func (d *Downloader) fetchMonth(ctx context.Context, market exchange.MarketKind, symbol, interval string, month time.Time) ([]exchange.Candle, error) {
	path := archivePath(market, symbol, interval, month)
	resp, err := d.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		d.logger.Warn("Monthly archive unavailable", zap.String("path", path), zap.Int("status", resp.StatusCode()))
		return nil, nil
	}

	candles, err := unzipCandles(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	d.logger.Debug("Downloaded month", zap.String("path", path), zap.Int("candles", len(candles)))
	return candles, nil
}

func unzipCandles(body []byte) ([]exchange.Candle, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return backtest.ReadCandles(rc)
	}
	return nil, errors.New("archive holds no csv file")
}

// merge concatenates the months, normalizes microsecond open times to
// milliseconds and drops duplicate open times.
func merge(months [][]exchange.Candle) []exchange.Candle {
	var all []exchange.Candle
	for _, m := range months {
		all = append(all, m...)
	}
	for i := range all {
		// Spot archives switched to microsecond timestamps in 2025.
		if all[i].OpenTime > 1e14 {
			all[i].OpenTime /= 1000
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].OpenTime < all[j].OpenTime })

	merged := all[:0]
	for i, c := range all {
		if i > 0 && c.OpenTime == all[i-1].OpenTime {
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

func writeFile(path string, candles []exchange.Candle) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := backtest.WriteCandles(f, candles); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// Validate checks the request without downloading anything.
func (r Request) Validate() error {
	_, err := r.months()
	return err
}

// months validates the request and lists the months it covers.
func (req Request) months() ([]time.Time, error) {
	for name, v := range map[string]string{"symbol": req.Symbol, "interval": req.Interval} {
		if v == "" || strings.ContainsAny(v, `/\.`) {
			return nil, fmt.Errorf("%w: invalid %s %q", ErrInvalidRequest, name, v)
		}
	}
	if _, err := exchange.ParseMarketKind(req.MarketKind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start, err := time.Parse(monthLayout, req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date must be YYYY-MM", ErrInvalidRequest)
	}
	end, err := time.Parse(monthLayout, req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: end_date must be YYYY-MM", ErrInvalidRequest)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_date is before start_date", ErrInvalidRequest)
	}

	var months []time.Time
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months, nil
}
