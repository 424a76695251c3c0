package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/orderbook"
)

func TestSidecarMetaPath(t *testing.T) {
	if got := sidecarMetaPath("data/replay/run.csv"); got != filepath.Join("data", "replay", "run.meta.json") {
		t.Fatalf("unexpected %s", got)
	}
}

func TestWriteMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.meta.json")
	if err := writeMeta(path, metaInfo{Version: progVersion, Ticker: "QNTX"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got metaInfo
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Ticker != "QNTX" || got.Version != progVersion {
		t.Fatalf("unexpected meta %+v", got)
	}
}

func TestRowFromTop(t *testing.T) {
	top := orderbook.Top{
		BestBid: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		BidSize: decimal.NewFromInt(5),
		AskSize: decimal.Zero,
	}
	row := rowFromTop(time.UnixMilli(1700000000000), 3, top)
	if row.tsMs != 1700000000000 || row.bidPx != "100" || row.askPx != "" || row.bidQty != "5" || row.version != 3 {
		t.Fatalf("unexpected row %+v", row)
	}
	if !row.sameTop(rowFromTop(time.Now(), 4, top)) {
		t.Fatal("rows with the same top should compare equal")
	}
}

func TestWriterLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows := make(chan csvRow, 2)
	rows <- csvRow{tsMs: 1, bidPx: "100", askPx: "101", bidQty: "5", askQty: "3", version: 1}
	rows <- csvRow{tsMs: 2, bidPx: "100", askPx: "101.5", bidQty: "5", askQty: "1", version: 1}
	close(rows)

	n, err := writerLoop(context.Background(), f, rows)
	if err != nil || n != 2 {
		t.Fatalf("wrote %d rows, err %v", n, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "ts_ms,best_bid,best_ask,bid_size,ask_size,snapshot\n1,100,101,5,3,1\n2,100,101.5,5,1,1\n"
	if string(data) != want {
		t.Fatalf("unexpected csv:\n%s", data)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatal("missing trailing newline")
	}
}
