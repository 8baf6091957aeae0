package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	cache "github.com/krisalay/weather-cache"
	"github.com/krisalay/weather-cache/durable/memstore"
	"github.com/krisalay/weather-cache/policy"
)

// ================= BACKEND =================

func newBackend(requests *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q,"temp":21.5,"wind":4}`, r.URL.Path)
	}))
}

// ================= BENCHMARK =================

func main() {
	ctx := context.Background()

	const (
		resources  = 2000
		goroutines = 200
		opsPerG    = 5000
		forceEvery = 100
	)

	var requests atomic.Int64
	srv := newBackend(&requests)
	defer srv.Close()

	reg := policy.NewRegistry()
	if err := reg.SetDefault(policy.TypeStatic); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	c, err := cache.New(ctx,
		cache.WithBaseURL(srv.URL),
		cache.WithPolicies(reg),
		cache.WithDurable(memstore.New(64<<20)),
		cache.WithWriteBack(4096),
		cache.WithCoalescing(true),
		cache.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("\n================ CACHE LOAD BENCHMARK =================")

	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Resources    :", resources)
	fmt.Println("Goroutines   :", goroutines)
	fmt.Println("Ops/Goroutine:", opsPerG)
	fmt.Println("Force every  :", forceEvery)
	fmt.Println("---------------------------------")

	paths := make([]string, resources)
	for i := range paths {
		paths[i] = fmt.Sprintf("/api/weather/cell/%d", i)
	}

	// ---------------- Preload Cache ----------------
	fmt.Println("\nPreloading cache...")
	c.Preload(ctx, paths)
	fmt.Println("Preload complete.")

	// ---------------- Load Test ----------------
	fmt.Println("\nRunning concurrency benchmark...")
	requests.Store(0)

	start := time.Now()

	var failures atomic.Int64
	wg := sync.WaitGroup{}
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerG; j++ {
				force := (id*opsPerG+j)%forceEvery == 0
				if _, err := c.Get(ctx, paths[(id+j)%resources], "", force); err != nil {
					failures.Add(1)
				}
			}
		}(i)
	}

	wg.Wait()

	duration := time.Since(start)
	totalOps := goroutines * opsPerG
	st := c.Stats(ctx)

	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Total Operations : %s\n", humanize.Comma(int64(totalOps)))
	fmt.Printf("Backend Requests : %s\n", humanize.Comma(requests.Load()))
	fmt.Printf("Failures         : %d\n", failures.Load())
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %s ops/sec\n", humanize.FormatFloat("#,###.##", float64(totalOps)/duration.Seconds()))
	fmt.Printf("Entries          : %d\n", st.EntryCount)
	fmt.Printf("Memory           : %.2f MB\n", st.ApproxMemoryUsageMB)
	fmt.Println("=========================================")

	if err := c.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
