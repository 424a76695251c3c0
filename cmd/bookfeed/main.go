package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/auth"
	"github.com/helix-lab/helix/bookfeed/pkg/config"
	"github.com/helix-lab/helix/bookfeed/pkg/orderbook"
	"github.com/helix-lab/helix/bookfeed/pkg/session"
	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

const surface = "terminal"

type commandKind int

const (
	cmdPlace commandKind = iota
	cmdCancel
	cmdTicker
	cmdBook
	cmdQuit
)

type command struct {
	kind    commandKind
	order   transport.PlaceOrder
	orderID string
	ticker  string
}

var errUsage = errors.New("usage: buy|sell <qty> [price] | cancel <id> | ticker <symbol> | book | quit")

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errUsage
	}
	switch strings.ToLower(fields[0]) {
	case "buy", "sell":
		side, _ := transport.ParseSide(fields[0])
		if len(fields) < 2 || len(fields) > 3 {
			return command{}, errUsage
		}
		qty, err := decimal.NewFromString(fields[1])
		if err != nil {
			return command{}, fmt.Errorf("bad quantity %q: %w", fields[1], err)
		}
		order := transport.PlaceOrder{Side: side, Quantity: qty, Kind: transport.KindMarket}
		if len(fields) == 3 {
			price, err := decimal.NewFromString(fields[2])
			if err != nil {
				return command{}, fmt.Errorf("bad price %q: %w", fields[2], err)
			}
			order.Kind = transport.KindLimit
			order.Price = decimal.NewNullDecimal(price)
		}
		return command{kind: cmdPlace, order: order}, nil
	case "cancel":
		if len(fields) != 2 {
			return command{}, errUsage
		}
		return command{kind: cmdCancel, orderID: fields[1]}, nil
	case "ticker":
		if len(fields) != 2 {
			return command{}, errUsage
		}
		return command{kind: cmdTicker, ticker: strings.ToUpper(fields[1])}, nil
	case "book":
		return command{kind: cmdBook}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, errUsage
	}
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file (defaults plus BOOKFEED_* env when empty)")
	tickerFlag := flag.String("ticker", "", "ticker to subscribe to, overrides config")
	depth := flag.Int("depth", 10, "rows per side to render")
	refresh := flag.Duration("refresh", time.Second, "render interval")
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
	if *tickerFlag != "" {
		cfg.Stream.Ticker = *tickerFlag
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	creds := auth.Configured(cfg.Auth.Token, cfg.Auth.APIKey)
	pub := transport.NewPublisher(64, logger)
	sup := session.NewSupervisor(*cfg, creds, pub, logger)
	defer sup.Close()

	var tickerMu sync.Mutex
	ticker := cfg.Stream.Ticker
	currentTicker := func() string {
		tickerMu.Lock()
		defer tickerMu.Unlock()
		return ticker
	}

	var current atomic.Pointer[session.Subscription]
	remounter := &session.Remounter{
		Supervisor: sup,
		Surface:    surface,
		BackOff:    session.NewBackOff(cfg.Reconnect.MinBackoff, cfg.Reconnect.MaxBackoff),
		Logger:     logger,
		OnMount:    func(s *session.Subscription) { current.Store(s) },
	}
	go func() {
		if err := remounter.Run(ctx, currentTicker); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("remount loop stopped", "err", err)
		}
	}()

	notices, unsubscribe := pub.Subscribe()
	defer unsubscribe()
	go func() {
		for n := range notices {
			printNotice(os.Stdout, n)
		}
	}()

	commands := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			commands <- sc.Text()
		}
		close(commands)
	}()

	tick := time.NewTicker(*refresh)
	defer tick.Stop()

	var lastKey string
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			sub := current.Load()
			if sub == nil {
				continue
			}
			v := sub.View()
			if key := viewKey(sub.Ticker(), sub.State(), v); key != lastKey {
				lastKey = key
				render(os.Stdout, sub.Ticker(), sub.State(), v, *depth)
			}
		case line, ok := <-commands:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			sub := current.Load()
			switch cmd.kind {
			case cmdQuit:
				return
			case cmdBook:
				if sub != nil {
					render(os.Stdout, sub.Ticker(), sub.State(), sub.View(), *depth)
				}
			case cmdTicker:
				tickerMu.Lock()
				ticker = cmd.ticker
				tickerMu.Unlock()
				if _, err := sup.SwitchTicker(ctx, surface, cmd.ticker); err != nil {
					fmt.Println("switch failed:", err)
				}
			case cmdPlace:
				if sub == nil {
					fmt.Println("not connected")
					continue
				}
				id, err := sub.PlaceOrder(ctx, cmd.order)
				if err != nil {
					fmt.Println("order rejected:", err)
					continue
				}
				fmt.Println("order sent:", id)
			case cmdCancel:
				if sub == nil {
					fmt.Println("not connected")
					continue
				}
				if err := sub.CancelOrder(ctx, cmd.orderID); err != nil {
					fmt.Println("cancel failed:", err)
				}
			}
		}
	}
}

// viewKey changes whenever a redraw would print something different,
// including entries hidden by a pending cancel and expired highlights.
func viewKey(ticker string, state session.State, v orderbook.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%d|%s", ticker, state, v.State, v.Version, v.LastPrice.Decimal)
	for _, side := range [][]orderbook.ViewEntry{v.Buys, v.Sells} {
		b.WriteByte('|')
		for _, e := range side {
			fmt.Fprintf(&b, "%s:%s:%t,", e.ID, e.Remaining, e.Highlighted)
		}
	}
	return b.String()
}

func printNotice(w io.Writer, n transport.Notice) {
	tag := strings.ToUpper(string(n.Kind))
	if n.Code != "" {
		fmt.Fprintf(w, "[%s] %s %s: %s\n", tag, n.Ticker, n.Code, n.Message)
		return
	}
	fmt.Fprintf(w, "[%s] %s %s\n", tag, n.Ticker, n.Message)
}

func render(w io.Writer, ticker string, state session.State, v orderbook.View, depth int) {
	last := "-"
	if v.LastPrice.Valid {
		last = v.LastPrice.Decimal.String()
	}
	fmt.Fprintf(w, "== %s %s/%s v%d last=%s bids=%s asks=%s\n",
		ticker, state, v.State, v.Version, last, v.TotalBids, v.TotalAsks)

	top := orderbook.TopOfBook(v)
	if spread := top.Spread(); spread.Valid {
		fmt.Fprintf(w, "   spread=%s\n", spread.Decimal)
	}
	for i := 0; i < depth; i++ {
		var bid, ask string
		if i < len(v.Buys) {
			bid = formatEntry(v.Buys[i])
		}
		if i < len(v.Sells) {
			ask = formatEntry(v.Sells[i])
		}
		if bid == "" && ask == "" {
			break
		}
		fmt.Fprintf(w, "   %-44s | %s\n", bid, ask)
	}
}

func formatEntry(e orderbook.ViewEntry) string {
	price := "MKT"
	if e.Price.Valid {
		price = e.Price.Decimal.String()
	}
	mark := " "
	if e.Highlighted {
		mark = "*"
	}
	s := fmt.Sprintf("%s%s x %s", mark, e.Remaining, price)
	if e.Status == transport.StatusPartiallyFilled {
		s += " (partial)"
	}
	if !strings.Contains(e.ID, "@") {
		s += " " + e.ID
	}
	return s
}
