package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
	"github.com/helix-lab/helix/bookfeed/pkg/venuesim"
)

type seedLevel struct {
	ticker string
	side   transport.Side
	price  decimal.Decimal
	qty    decimal.Decimal
}

// parseSeeds reads "TICKER:side:price:qty" items separated by commas.
func parseSeeds(s string) ([]seedLevel, error) {
	var out []seedLevel
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("seed %q: want TICKER:side:price:qty", item)
		}
		side, ok := transport.ParseSide(parts[1])
		if !ok {
			return nil, fmt.Errorf("seed %q: bad side", item)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("seed %q: bad price: %w", item, err)
		}
		qty, err := decimal.NewFromString(parts[3])
		if err != nil {
			return nil, fmt.Errorf("seed %q: bad quantity: %w", item, err)
		}
		out = append(out, seedLevel{ticker: parts[0], side: side, price: price, qty: qty})
	}
	return out, nil
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	tokens := flag.String("tokens", "", "comma separated accepted tokens; empty accepts any")
	seeds := flag.String("seed", "QNTX:buy:100:5,QNTX:buy:99.5:8,QNTX:sell:101:3,QNTX:sell:101.5:6", "resting levels, TICKER:side:price:qty")
	last := flag.String("last", "QNTX:100.5", "last traded prices, TICKER:price")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var accepted []string
	for _, t := range strings.Split(*tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, t)
		}
	}
	venue := venuesim.New(venuesim.Options{Tokens: accepted, Logger: logger})

	levels, err := parseSeeds(*seeds)
	if err != nil {
		logger.Error("bad -seed", "err", err)
		os.Exit(2)
	}
	for _, l := range levels {
		venue.Seed(l.ticker, l.side, l.price, l.qty)
	}
	for _, item := range strings.Split(*last, ",") {
		ticker, price, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			logger.Error("bad -last", "item", item, "err", err)
			os.Exit(2)
		}
		venue.SetLastPrice(ticker, p)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/orders/", venue)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("venue listening", "addr", *addr, "path", "/ws/orders/{ticker}")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
}
