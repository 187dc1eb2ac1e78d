package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"binance-grid-trader-go/internal/exchange"
)

// ErrDataNotFound is returned when the candle file of a run does not exist.
var ErrDataNotFound = errors.New("historical data not found")

// klineColumns is the column order of Binance kline dumps, used when a file
// carries no header row.
var klineColumns = []string{"open_time", "open", "high", "low", "close", "volume"}

// DataFile returns the conventional candle file name for symbol and interval.
func DataFile(symbol, interval string) string {
	return fmt.Sprintf("%s-%s.csv", symbol, interval)
}

// LoadCandles reads a candle CSV and returns its rows ordered by open time.
func LoadCandles(path string) ([]exchange.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDataNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	candles, err := ReadCandles(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return candles, nil
}

// ReadCandles parses candle rows from r. A header row naming at least the
// open_time and close columns is honored; otherwise the Binance kline column
// order is assumed.
func ReadCandles(r io.Reader) ([]exchange.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []exchange.Candle{}, nil
	}

	index := positionalIndex()
	if isHeader(records[0]) {
		index, err = headerIndex(records[0])
		if err != nil {
			return nil, err
		}
		records = records[1:]
	}

	candles := make([]exchange.Candle, 0, len(records))
	for i, rec := range records {
		c, err := parseCandle(rec, index)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		candles = append(candles, c)
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
	return candles, nil
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}

func positionalIndex() map[string]int {
	index := make(map[string]int, len(klineColumns))
	for i, name := range klineColumns {
		index[name] = i
	}
	return index
}

func headerIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"open_time", "close"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	return index, nil
}

func parseCandle(rec []string, index map[string]int) (exchange.Candle, error) {
	field := func(name string) (string, bool) {
		i, ok := index[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}

	raw, ok := field("open_time")
	if !ok {
		return exchange.Candle{}, errors.New("missing open_time")
	}
	openTime, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("invalid open_time %q: %w", raw, err)
	}

	c := exchange.Candle{OpenTime: int64(openTime)}
	for _, col := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &c.Open},
		{"high", &c.High},
		{"low", &c.Low},
		{"close", &c.Close},
		{"volume", &c.Volume},
	} {
		raw, ok := field(col.name)
		if !ok || raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return exchange.Candle{}, fmt.Errorf("invalid %s %q: %w", col.name, raw, err)
		}
		*col.dst = v
	}
	if !c.Close.IsPositive() {
		return exchange.Candle{}, fmt.Errorf("close must be positive at %d", c.OpenTime)
	}
	return c, nil
}

// WriteCandles writes candles with a header row in the column order
// ReadCandles expects.
func WriteCandles(w io.Writer, candles []exchange.Candle) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(klineColumns); err != nil {
		return err
	}
	for _, c := range candles {
		row := []string{
			strconv.FormatInt(c.OpenTime, 10),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
