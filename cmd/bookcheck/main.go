package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// sample is one row of a bookfeed_recorder CSV.
type sample struct {
	tsMs     int64
	snapshot uint64
	bid      decimal.NullDecimal
	ask      decimal.NullDecimal
	bidSize  decimal.Decimal
	askSize  decimal.Decimal
}

type stats struct {
	rows      int
	oneSided  int
	snapshots int
}

type checker struct {
	lastTsMs     int64
	lastSnapshot uint64
	seen         bool
	stats        stats
}

var requiredColumns = []string{"ts_ms", "best_bid", "best_ask", "bid_size", "ask_size", "snapshot"}

func parseSample(fields []string, header map[string]int) (sample, error) {
	var s sample
	get := func(name string) string {
		idx := header[name]
		if idx >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[idx])
	}
	price := func(name string) (decimal.NullDecimal, error) {
		v := get(name)
		if v == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("%s: %w", name, err)
		}
		return decimal.NewNullDecimal(d), nil
	}
	size := func(name string) (decimal.Decimal, error) {
		v := get(name)
		if v == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(v)
	}

	var err error
	if s.tsMs, err = strconv.ParseInt(get("ts_ms"), 10, 64); err != nil {
		return s, fmt.Errorf("ts_ms: %w", err)
	}
	if s.snapshot, err = strconv.ParseUint(get("snapshot"), 10, 64); err != nil {
		return s, fmt.Errorf("snapshot: %w", err)
	}
	if s.bid, err = price("best_bid"); err != nil {
		return s, err
	}
	if s.ask, err = price("best_ask"); err != nil {
		return s, err
	}
	if s.bidSize, err = size("bid_size"); err != nil {
		return s, fmt.Errorf("bid_size: %w", err)
	}
	if s.askSize, err = size("ask_size"); err != nil {
		return s, fmt.Errorf("ask_size: %w", err)
	}
	return s, nil
}

func (c *checker) apply(s sample, every int, out *csv.Writer) error {
	if c.seen && s.tsMs < c.lastTsMs {
		return fmt.Errorf("timestamp went backwards at ts_ms=%d", s.tsMs)
	}
	if c.seen && s.snapshot < c.lastSnapshot {
		return fmt.Errorf("snapshot counter went backwards at ts_ms=%d", s.tsMs)
	}
	if s.bidSize.IsNegative() || s.askSize.IsNegative() {
		return fmt.Errorf("negative size at ts_ms=%d", s.tsMs)
	}
	if s.bid.Valid && !s.bidSize.IsPositive() {
		return fmt.Errorf("bid without size at ts_ms=%d", s.tsMs)
	}
	if s.ask.Valid && !s.askSize.IsPositive() {
		return fmt.Errorf("ask without size at ts_ms=%d", s.tsMs)
	}
	if s.bid.Valid && s.ask.Valid && !s.bid.Decimal.LessThan(s.ask.Decimal) {
		return fmt.Errorf("crossed book at ts_ms=%d: bid %s ask %s", s.tsMs, s.bid.Decimal, s.ask.Decimal)
	}

	if !c.seen || s.snapshot != c.lastSnapshot {
		c.stats.snapshots++
	}
	c.seen = true
	c.lastTsMs = s.tsMs
	c.lastSnapshot = s.snapshot
	c.stats.rows++
	if !s.bid.Valid || !s.ask.Valid {
		c.stats.oneSided++
		return nil
	}

	if every > 0 && c.stats.rows%every == 0 && out != nil {
		mid := s.bid.Decimal.Add(s.ask.Decimal).Div(decimal.NewFromInt(2))
		return out.Write([]string{
			strconv.FormatInt(s.tsMs, 10),
			s.bid.Decimal.String(),
			s.ask.Decimal.String(),
			mid.String(),
			s.ask.Decimal.Sub(s.bid.Decimal).String(),
		})
	}
	return nil
}

// check validates a recording and writes every n-th two-sided row, with
// mid and spread, to out.
func check(in io.Reader, every int, out *csv.Writer) (stats, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	head, err := reader.Read()
	if err != nil {
		return stats{}, fmt.Errorf("read header: %w", err)
	}
	header := make(map[string]int, len(head))
	for i, name := range head {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := header[col]; !ok {
			return stats{}, fmt.Errorf("missing column %q", col)
		}
	}

	var c checker
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.stats, fmt.Errorf("read: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		s, err := parseSample(fields, header)
		if err != nil {
			return c.stats, fmt.Errorf("row %d: %w", c.stats.rows+1, err)
		}
		if err := c.apply(s, every, out); err != nil {
			return c.stats, err
		}
	}
	return c.stats, nil
}

func main() {
	inPath := flag.String("in", "data/replay/bookfeed.csv", "recorder CSV to check")
	outPath := flag.String("out", "go_bookcheck.csv", "output CSV path")
	every := flag.Int("every", 100, "bookcheck stride")
	flag.Parse()

	in, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open input: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	out, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output: %v\n", err)
		os.Exit(1)
	}
	defer out.Close()

	writer := csv.NewWriter(out)
	if err := writer.Write([]string{"ts_ms", "best_bid", "best_ask", "mid", "spread"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write header: %v\n", err)
		os.Exit(1)
	}

	st, err := check(in, *every, writer)
	writer.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "flush error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: rows=%d one_sided=%d snapshots=%d\n", st.rows, st.oneSided, st.snapshots)
}
