// cmd/loadtest/main.go
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

type options struct {
	target      string
	paths       []string
	duration    time.Duration
	concurrency int
	rate        float64
}

// Stats counts request outcomes. Latencies are in microseconds.
type Stats struct {
	successCount uint64
	limitedCount uint64
	failureCount uint64
	latencySum   uint64
	latencyCount uint64
}

func main() {
	opts := options{}
	pflag.StringVar(&opts.target, "target", "http://localhost:8008", "Base URL of the homeserver")
	pflag.StringSliceVar(&opts.paths, "path", []string{"/_health", "/_matrix/client/v3/publicRooms"}, "Paths to request")
	pflag.DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	pflag.IntVar(&opts.concurrency, "concurrency", 50, "Number of concurrent clients")
	pflag.Float64Var(&opts.rate, "rate", 500, "Target requests per second")
	pflag.Parse()

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  Target: %s\n", opts.target)
	fmt.Printf("  Paths: %v\n", opts.paths)
	fmt.Printf("  Duration: %s\n", opts.duration)
	fmt.Printf("  Concurrency: %d\n", opts.concurrency)
	fmt.Printf("  Target RPS: %.0f\n", opts.rate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	stats := &Stats{}
	startTime := time.Now()
	fmt.Printf("Starting load test for %s...\n", opts.duration)

	reportCtx, stopReport := context.WithCancel(ctx)
	go report(reportCtx, stats, startTime)
	run(ctx, opts, http.DefaultClient, stats)
	stopReport()

	printResults(stats, time.Since(startTime))
}

// run issues requests until the duration elapses or ctx is done.
func run(ctx context.Context, opts options, client *http.Client, stats *Stats) {
	testCtx, testCancel := context.WithTimeout(ctx, opts.duration)
	defer testCancel()

	var wg sync.WaitGroup
	rateLimiter := make(chan struct{}, opts.concurrency*2)

	go func() {
		interval := time.Duration(float64(time.Second) / opts.rate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case rateLimiter <- struct{}{}:
				default:
					// Channel is full, skip
				}
			}
		}
	}()

	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go worker(testCtx, i, client, opts, rateLimiter, stats, &wg)
	}
	wg.Wait()
}

// worker sends one request per token from rateLimiter
func worker(ctx context.Context, id int, client *http.Client, opts options, rateLimiter <-chan struct{}, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()

	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateLimiter:
			path := opts.paths[r.Intn(len(opts.paths))]
			startTime := time.Now()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.target+path, nil)
			if err != nil {
				atomic.AddUint64(&stats.failureCount, 1)
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() == nil {
					atomic.AddUint64(&stats.failureCount, 1)
				}
				continue
			}
			resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				atomic.AddUint64(&stats.limitedCount, 1)
			case resp.StatusCode >= 500:
				atomic.AddUint64(&stats.failureCount, 1)
			default:
				atomic.AddUint64(&stats.successCount, 1)
				atomic.AddUint64(&stats.latencySum, uint64(time.Since(startTime).Microseconds()))
				atomic.AddUint64(&stats.latencyCount, 1)
			}
		}
	}
}

func report(ctx context.Context, stats *Stats, startTime time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			success := atomic.LoadUint64(&stats.successCount)
			failure := atomic.LoadUint64(&stats.failureCount)
			limited := atomic.LoadUint64(&stats.limitedCount)
			total := success + failure + limited

			fmt.Printf("\rRPS: %.2f (Current: %d), Success: %d, Limited: %d, Failure: %d, Avg Latency: %d µs",
				float64(total)/time.Since(startTime).Seconds(), total-last, success, limited, failure, stats.avgLatency())
			last = total
		}
	}
}

func (s *Stats) avgLatency() uint64 {
	count := atomic.LoadUint64(&s.latencyCount)
	if count == 0 {
		return 0
	}
	return atomic.LoadUint64(&s.latencySum) / count
}

func printResults(stats *Stats, elapsed time.Duration) {
	success := atomic.LoadUint64(&stats.successCount)
	failure := atomic.LoadUint64(&stats.failureCount)
	limited := atomic.LoadUint64(&stats.limitedCount)
	total := success + failure + limited

	var successRate float64
	if total > 0 {
		successRate = float64(success) / float64(total) * 100
	}

	fmt.Printf("\n\nLoad Test Results:\n")
	fmt.Printf("  Test Duration: %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("  Total Requests: %d\n", total)
	fmt.Printf("  Successful Requests: %d (%.2f%%)\n", success, successRate)
	fmt.Printf("  Rate Limited: %d\n", limited)
	fmt.Printf("  Failed Requests: %d\n", failure)
	fmt.Printf("  Average RPS: %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("  Average Latency: %d µs\n", stats.avgLatency())
}
