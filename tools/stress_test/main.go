package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/client"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	ConfigPath  string
	Concurrency int
	Duration    time.Duration
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	Retries        int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

type counters struct {
	total, success, failed, latency int64
	minLatency                      int64
	maxLatency                      int64
}

func main() {
	flags := pflag.NewFlagSet("stress_test", pflag.ExitOnError)
	config.RegisterFlags(flags)
	concurrency := flags.Int("concurrency", 10, "number of concurrent clients")
	duration := flags.DurationP("duration", "d", 30*time.Second, "duration of test")
	report := flags.StringP("output", "o", "", "output report file (JSON)")
	_ = flags.Parse(os.Args[1:])

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	st := StressTestConfig{ConfigPath: path, Concurrency: *concurrency, Duration: *duration, ReportFile: *report}

	fmt.Println("=== HieraChain BFT Stress Test ===")
	fmt.Printf("Replicas: %d (f=%d)\n", cfg.N(), cfg.Cluster.F)
	fmt.Printf("Concurrency: %d clients\n", st.Concurrency)
	fmt.Printf("Duration: %v\n", st.Duration)
	fmt.Println()

	result, err := runStressTest(cfg, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printResults(result)

	if st.ReportFile != "" {
		saveReport(st, result)
	}
}

func runStressTest(cfg *config.Config, st StressTestConfig) (StressTestResult, error) {
	replicas, closeAll, err := client.Dial(cfg.APIAddresses(), cfg.API.AuthToken)
	if err != nil {
		return StressTestResult{}, err
	}
	defer closeAll()

	clients := make([]*client.Client, st.Concurrency)
	for i := range clients {
		ccfg := client.DefaultConfig(fmt.Sprintf("stress-%d-%d", os.Getpid(), i), cfg.Cluster.F)
		clients[i], err = client.New(ccfg, replicas, crypto.SHA3{}, zerolog.Nop())
		if err != nil {
			return StressTestResult{}, err
		}
	}

	c := counters{minLatency: 1<<63 - 1}
	ctx, cancel := context.WithTimeout(context.Background(), st.Duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()
	for i, cl := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, i, cl, &c)
		}()
	}
	wg.Wait()

	duration := time.Since(startTime)
	var retries int64
	for _, cl := range clients {
		retries += cl.GetStats().Retries
	}

	var avgLatency time.Duration
	if c.success > 0 {
		avgLatency = time.Duration(c.latency / c.success)
	}
	if c.success == 0 {
		c.minLatency = 0
	}
	return StressTestResult{
		TotalRequests:  c.total,
		SuccessfulReqs: c.success,
		FailedReqs:     c.failed,
		Retries:        retries,
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(c.minLatency),
		MaxLatency:     time.Duration(c.maxLatency),
		RequestsPerSec: float64(c.success) / duration.Seconds(),
	}, nil
}

func runWorker(ctx context.Context, id int, cl *client.Client, c *counters) {
	for i := 0; ctx.Err() == nil; i++ {
		op := fmt.Sprintf("set stress-%d-%d %d", id, i%100, i)
		start := time.Now()
		_, err := cl.Submit(ctx, []byte(op))
		lat := int64(time.Since(start))
		atomic.AddInt64(&c.total, 1)

		if err != nil {
			if ctx.Err() != nil {
				atomic.AddInt64(&c.total, -1)
				return
			}
			atomic.AddInt64(&c.failed, 1)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		atomic.AddInt64(&c.success, 1)
		atomic.AddInt64(&c.latency, lat)
		for {
			old := atomic.LoadInt64(&c.minLatency)
			if lat >= old || atomic.CompareAndSwapInt64(&c.minLatency, old, lat) {
				break
			}
		}
		for {
			old := atomic.LoadInt64(&c.maxLatency)
			if lat <= old || atomic.CompareAndSwapInt64(&c.maxLatency, old, lat) {
				break
			}
		}
	}
}

func printResults(result StressTestResult) {
	total := float64(result.TotalRequests)
	if total == 0 {
		total = 1
	}
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, float64(result.SuccessfulReqs)/total*100)
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, float64(result.FailedReqs)/total*100)
	fmt.Printf("Retransmissions: %d\n", result.Retries)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"config":      config.ConfigPath,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"retries":          result.Retries,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
