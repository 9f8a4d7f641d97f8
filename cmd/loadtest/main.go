// Command loadtest drives concurrent report requests against a running
// cdrstat instance and prints throughput, latency and status breakdowns.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:5000 -token change-me
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Token       string
	Concurrency int
	Duration    time.Duration
	Targets     []string
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	byEndpoint    map[string]*atomic.Int64
	countsMu      sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
		byEndpoint:  make(map[string]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(endpoint string, duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.countsMu.Lock()
	counter(s.statusCodes, statusCode).Add(1)
	counter(s.byEndpoint, endpoint).Add(1)
	s.countsMu.Unlock()
}

func counter[K comparable](m map[K]*atomic.Int64, k K) *atomic.Int64 {
	c, ok := m[k]
	if !ok {
		c = &atomic.Int64{}
		m[k] = c
	}
	return c
}

// reportTargets mixes named periods, recent single days and explicit ranges
// for both report endpoints.
func reportTargets(now time.Time) []string {
	queries := []url.Values{
		{"date": {"week"}},
		{"date": {"month"}},
		{},
	}
	for d := 1; d <= 7; d++ {
		queries = append(queries, url.Values{"date": {now.AddDate(0, 0, -d).Format("2006-01-02")}})
	}
	queries = append(queries,
		url.Values{"start": {now.AddDate(0, 0, -3).Format("2006-01-02") + " 08:00"}, "end": {now.AddDate(0, 0, -3).Format("2006-01-02") + " 18:00"}},
		url.Values{"start": {now.AddDate(0, 0, -14).Format("2006-01-02")}, "end": {now.AddDate(0, 0, -8).Format("2006-01-02")}},
	)

	var targets []string
	for _, endpoint := range []string{"callstat", "asrstat"} {
		for _, q := range queries {
			targets = append(targets, endpoint+"?"+q.Encode())
		}
	}
	return targets
}

func main() {
	baseURL := flag.String("url", "http://localhost:5000", "base URL of the cdrstat service")
	token := flag.String("token", "change-me", "API token")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Token:       *token,
		Concurrency: *concurrency,
		Duration:    *duration,
		Targets:     reportTargets(time.Now()),
	}

	fmt.Println("=== CDR Stats Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Requests:    %d unique\n", len(cfg.Targets))
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	prefix := fmt.Sprintf("%s/api/v1/%s/", cfg.BaseURL, url.PathEscape(cfg.Token))
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			idx := workerID

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				target := cfg.Targets[idx%len(cfg.Targets)]
				idx++
				endpoint := target[:len("callstat")]

				start := time.Now()
				resp, err := client.Do(mustNewRequest(ctx, prefix+target))
				elapsed := time.Since(start)

				if err != nil {
					if ctx.Err() == nil {
						stats.RecordRequest(endpoint, elapsed, 0, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				stats.RecordRequest(endpoint, elapsed, resp.StatusCode, nil)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func mustNewRequest(ctx context.Context, rawURL string) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	return req
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	failed := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", failed)

	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(failed)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := slices.Clone(stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	stats.countsMu.Lock()
	fmt.Println()
	fmt.Println("=== Endpoints ===")
	for _, name := range slices.Sorted(maps.Keys(stats.byEndpoint)) {
		fmt.Printf("  %-9s %d\n", name+":", stats.byEndpoint[name].Load())
	}
	fmt.Println()
	fmt.Println("=== Status Codes ===")
	for _, code := range slices.Sorted(maps.Keys(stats.statusCodes)) {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.countsMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
