package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/helix-lab/helix/bookfeed/pkg/auth"
	"github.com/helix-lab/helix/bookfeed/pkg/config"
	"github.com/helix-lab/helix/bookfeed/pkg/orderbook"
	"github.com/helix-lab/helix/bookfeed/pkg/session"
)

const (
	progVersion = "bookfeed_recorder/1.0"
	surface     = "recorder"

	rowChanSize   = 8192
	bufioSize     = 1 << 20
	flushEveryN   = 200
	flushEveryDur = 500 * time.Millisecond
)

type metaInfo struct {
	Version    string `json:"version"`
	Ticker     string `json:"ticker"`
	Endpoint   string `json:"endpoint"`
	Interval   string `json:"interval"`
	StartTime  string `json:"start_time"`
	OutputCSV  string `json:"output_csv"`
	OutputMeta string `json:"output_meta"`
}

// csvRow is one top-of-book sample, already formatted.
type csvRow struct {
	tsMs    int64
	bidPx   string
	askPx   string
	bidQty  string
	askQty  string
	version uint64
}

func rowFromTop(ts time.Time, version uint64, top orderbook.Top) csvRow {
	row := csvRow{
		tsMs:    ts.UnixMilli(),
		bidQty:  top.BidSize.String(),
		askQty:  top.AskSize.String(),
		version: version,
	}
	if top.BestBid.Valid {
		row.bidPx = top.BestBid.Decimal.String()
	}
	if top.BestAsk.Valid {
		row.askPx = top.BestAsk.Decimal.String()
	}
	return row
}

func (r csvRow) sameTop(o csvRow) bool {
	return r.bidPx == o.bidPx && r.askPx == o.askPx && r.bidQty == o.bidQty && r.askQty == o.askQty
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file (defaults plus BOOKFEED_* env when empty)")
	ticker := flag.String("ticker", "", "ticker to record, overrides config")
	out := flag.String("out", "data/replay/bookfeed.csv", "CSV file to write top-of-book samples")
	duration := flag.Duration("duration", time.Minute, "How long to record before exiting")
	interval := flag.Duration("interval", 100*time.Millisecond, "Sampling interval")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *ticker != "" {
		cfg.Stream.Ticker = *ticker
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startWall := time.Now()
	runCtx, cancel := context.WithDeadline(rootCtx, startWall.Add(*duration))
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		fatal("mkdir output dir", err)
	}

	metaPath := sidecarMetaPath(*out)
	if err := writeMeta(metaPath, metaInfo{
		Version:    progVersion,
		Ticker:     cfg.Stream.Ticker,
		Endpoint:   session.Endpoint(cfg.Stream.URL, cfg.Stream.Ticker),
		Interval:   interval.String(),
		StartTime:  startWall.Format(time.RFC3339Nano),
		OutputCSV:  *out,
		OutputMeta: metaPath,
	}); err != nil {
		fatal("write meta", err)
	}
	logger.Info("meta written", "path", metaPath)

	f, err := os.Create(*out)
	if err != nil {
		fatal("open output csv", err)
	}
	defer f.Close()

	rowCh := make(chan csvRow, rowChanSize)

	var rowsWritten uint64
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		n, err := writerLoop(runCtx, f, rowCh)
		if err != nil {
			logger.Error("writer stopped", "err", err)
		}
		atomic.StoreUint64(&rowsWritten, n)
	}()

	sup := session.NewSupervisor(*cfg, auth.Configured(cfg.Auth.Token, cfg.Auth.APIKey), nil, logger)
	var current atomic.Pointer[session.Subscription]
	remounter := &session.Remounter{
		Supervisor: sup,
		Surface:    surface,
		BackOff:    session.NewBackOff(cfg.Reconnect.MinBackoff, cfg.Reconnect.MaxBackoff),
		Logger:     logger,
		OnMount:    func(s *session.Subscription) { current.Store(s) },
	}
	go func() { _ = remounter.Run(runCtx, func() string { return cfg.Stream.Ticker }) }()

	logger.Info("recording", "ticker", cfg.Stream.Ticker, "out", *out, "interval", *interval)
	sampleLoop(runCtx, &current, *interval, rowCh)

	sup.Close()
	close(rowCh)
	<-writerDone

	logger.Info("recorded",
		"elapsed", time.Since(startWall).Truncate(time.Second),
		"rows", atomic.LoadUint64(&rowsWritten),
		"csv", *out,
		"meta", metaPath)
}

// sampleLoop polls the live view and emits a row whenever the top of book
// changes. Samples are only taken while the book is READY.
func sampleLoop(ctx context.Context, current *atomic.Pointer[session.Subscription], interval time.Duration, out chan<- csvRow) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var last csvRow
	have := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			sub := current.Load()
			if sub == nil {
				continue
			}
			v := sub.View()
			if v.State != orderbook.Ready {
				continue
			}
			row := rowFromTop(now, v.Version, orderbook.TopOfBook(v))
			if have && row.sameTop(last) {
				continue
			}
			last, have = row, true
			select {
			case out <- row:
			case <-ctx.Done():
				return
			}
		}
	}
}

func writerLoop(ctx context.Context, f *os.File, rows <-chan csvRow) (uint64, error) {
	bw := bufio.NewWriterSize(f, bufioSize)
	defer bw.Flush()

	w := csv.NewWriter(bw)
	defer w.Flush()

	if err := w.Write([]string{"ts_ms", "best_bid", "best_ask", "bid_size", "ask_size", "snapshot"}); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	ticker := time.NewTicker(flushEveryDur)
	defer ticker.Stop()

	var n uint64
	sinceFlush := 0
	rec := make([]string, 6)

	flush := func() error {
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush bufio: %w", err)
		}
		sinceFlush = 0
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return n, flush()
		case <-ticker.C:
			if sinceFlush > 0 {
				if err := flush(); err != nil {
					return n, err
				}
			}
		case row, ok := <-rows:
			if !ok {
				return n, flush()
			}

			rec[0] = strconv.FormatInt(row.tsMs, 10)
			rec[1] = row.bidPx
			rec[2] = row.askPx
			rec[3] = row.bidQty
			rec[4] = row.askQty
			rec[5] = strconv.FormatUint(row.version, 10)

			if err := w.Write(rec); err != nil {
				return n, fmt.Errorf("write row: %w", err)
			}
			n++
			sinceFlush++
			if sinceFlush >= flushEveryN {
				if err := flush(); err != nil {
					return n, err
				}
			}
		}
	}
}

func sidecarMetaPath(csvPath string) string {
	dir := filepath.Dir(csvPath)
	base := filepath.Base(csvPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, name+".meta.json")
}

func writeMeta(path string, meta metaInfo) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
