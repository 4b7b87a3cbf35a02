package deal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"arbwatch/pkg/types"
)

var csvHeader = []string{
	"ts", "symbol", "ts_open", "ts_close", "duration",
	"profit", "profit_percentage",
	"buy_exchange", "buy_total_quote", "buy_total_base",
	"sell_exchange", "sell_total_quote",
}

var trioCSVHeader = []string{
	"ts", "exchange", "cycle", "ts_open", "ts_close", "duration",
	"profit", "profit_coin", "profit_percentage",
}

// CSVLog appends close events to per-day CSV files under a data
// directory: one file per symbol for cross-venue deals, one per venue
// for triangular deals. The header is written only when a file is
// created.
type CSVLog struct {
	dir    string
	prefix string
	mu     sync.Mutex
}

func NewCSVLog(dir, prefix string) *CSVLog {
	return &CSVLog{dir: dir, prefix: prefix}
}

func (l *CSVLog) path(symbol types.Symbol, day time.Time) string {
	name := fmt.Sprintf("%sdeals_%s_%s.csv",
		l.prefix,
		strings.ReplaceAll(string(symbol), "/", "-"),
		day.Format("2006-01-02"))
	return filepath.Join(l.dir, name)
}

func (l *CSVLog) trioPath(venueID string, day time.Time) string {
	name := fmt.Sprintf("%strio_deals_%s_%s.csv",
		l.prefix, venueID, day.Format("2006-01-02"))
	return filepath.Join(l.dir, name)
}

// AppendClose writes one close event row, creating the file (and header)
// on first use.
func (l *CSVLog) AppendClose(event types.DealEvent) error {
	row := []string{
		event.TS.Format(time.RFC3339Nano),
		string(event.Symbol),
		event.TSOpen.Format(time.RFC3339Nano),
		formatTSClose(event.TSClose),
		event.Duration,
		event.Profit.String(),
		event.ProfitPercentage.String(),
		event.BuyVenue,
		event.BuyTotalQuote.String(),
		event.BuyTotalBase.String(),
		event.SellVenue,
		event.SellTotalQuote.String(),
	}
	return l.appendRow(l.path(event.Symbol, event.TS), csvHeader, row)
}

// AppendTrioClose writes one triangular close row to the per-venue file.
func (l *CSVLog) AppendTrioClose(event types.DealEvent) error {
	venueID := ""
	if len(event.Legs) > 0 {
		venueID = event.Legs[0].Venue
	}
	row := []string{
		event.TS.Format(time.RFC3339Nano),
		venueID,
		types.TrioKey(event.Legs),
		event.TSOpen.Format(time.RFC3339Nano),
		formatTSClose(event.TSClose),
		event.Duration,
		event.Profit.String(),
		event.ProfitCoin,
		event.ProfitPercentage.String(),
	}
	return l.appendRow(l.trioPath(venueID, event.TS), trioCSVHeader, row)
}

func (l *CSVLog) appendRow(path string, header, row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open deal log: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat deal log: %w", err)
	}

	w := csv.NewWriter(f)
	if stat.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func formatTSClose(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.Format(time.RFC3339Nano)
}
