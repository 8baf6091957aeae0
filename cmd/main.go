package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	cache "github.com/krisalay/weather-cache"
	"github.com/krisalay/weather-cache/config"
	"github.com/krisalay/weather-cache/fetch"
	"github.com/krisalay/weather-cache/metrics"
	"github.com/krisalay/weather-cache/notify"
	"github.com/krisalay/weather-cache/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weather-cache:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ---------------- Flags ----------------
	baseURL := flag.String("base-url", cfg.BaseURL, "weather backend base URL")
	resource := flag.String("resource", "", "resource to fetch after preloading")
	typ := flag.String("type", "", "policy type of -resource")
	force := flag.Bool("force", false, "bypass a fresh entry for -resource")
	preload := flag.Bool("preload", true, "preload "+strings.Join(cfg.Preload, ","))
	flag.Parse()
	cfg.BaseURL = *baseURL

	// ---------------- Logging ----------------
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---------------- Telemetry ----------------
	shutdown, err := telemetry.Setup(ctx, "weather-cache", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	m, err := metrics.NewOTel(nil)
	if err != nil {
		return err
	}

	// ---------------- Events ----------------
	sink, closeSink, err := eventSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	// ---------------- Cache ----------------
	opts, err := cfg.Options(ctx)
	if err != nil {
		return err
	}
	opts = append(opts,
		cache.WithFetcher(fetch.New(fetch.WithClient(&http.Client{Timeout: cfg.FetchTimeout}))),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
		cache.WithSink(sink),
	)

	c, err := cache.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("close cache", "err", err)
		}
	}()

	fmt.Println("\n==================== WEATHER CACHE ====================")
	fmt.Println("BASE URL        :", cfg.BaseURL)
	fmt.Println("DURABLE BACKEND :", cfg.DurableBackend)
	fmt.Println("MEMORY CEILING  :", humanize.IBytes(uint64(cfg.MemoryCeilingBytes)))
	fmt.Println("MAX ENTRY       :", humanize.IBytes(uint64(cfg.MaxEntryBytes)))

	if *preload {
		fmt.Println("\n==================== PRELOAD ====================")
		c.Preload(ctx, cfg.Preload)
	}

	if *resource != "" {
		fmt.Println("\n==================== GET ====================")
		v, err := c.Get(ctx, *resource, *typ, *force)
		if err != nil {
			return err
		}
		fmt.Printf("CACHE  → GET %s = %v\n", *resource, v)
	}

	printStats(c.Stats(ctx))
	return nil
}

// eventSink publishes cache events to NATS when configured. Without NATS it
// returns a nil sink: the cache already logs every event it emits.
func eventSink(cfg config.Config, logger *slog.Logger) (notify.Sink, func(), error) {
	if cfg.NATSURL == "" {
		return nil, func() {}, nil
	}
	nc, err := notify.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect nats: %w", err)
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("drain nats", "err", err)
		}
	}
	return notify.NewNATSSink(nc, cfg.NATSSubject, logger), closeFn, nil
}

func printStats(st cache.Stats) {
	fmt.Println("\n==================== STATS ====================")
	fmt.Printf("ENTRIES         : %s\n", humanize.Comma(int64(st.EntryCount)))
	fmt.Printf("METADATA ONLY   : %s\n", humanize.Comma(int64(st.MetadataOnlyCount)))
	fmt.Printf("RESTORED        : %s\n", humanize.Comma(int64(st.RestoredCount)))
	fmt.Printf("MEMORY          : %s MB\n", humanize.FormatFloat("#,###.##", st.ApproxMemoryUsageMB))

	types := make([]string, 0, len(st.ByType))
	for t := range st.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-14s: %d\n", t, st.ByType[t])
	}

	fmt.Printf("DURABLE USED    : %s / %s MB (%s%%)\n",
		humanize.FormatFloat("#,###.##", st.Durable.UsedMB),
		humanize.FormatFloat("#,###.##", st.Durable.AvailableMB+st.Durable.UsedMB),
		humanize.FormatFloat("#.#", st.Durable.Percentage),
	)
}
