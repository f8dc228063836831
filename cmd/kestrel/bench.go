package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load-test a running server with synthetic batches",
	Long: `Replaces the tenant's catalog with synthetic channels, then posts
synthetic account batches to /assignments and reports latency and throughput.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The benchmark is a client; it needs no server configuration
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := benchOptions{}
		opts.URL, _ = cmd.Flags().GetString("url")
		opts.Tenant, _ = cmd.Flags().GetString("tenant")
		opts.Accounts, _ = cmd.Flags().GetInt("accounts")
		opts.Channels, _ = cmd.Flags().GetInt("channels")
		opts.Banks, _ = cmd.Flags().GetInt("banks")
		opts.Batch, _ = cmd.Flags().GetInt("batch")
		opts.Workers, _ = cmd.Flags().GetInt("workers")
		seed, _ := cmd.Flags().GetUint64("seed")
		opts.Seed = seed

		if opts.Accounts <= 0 || opts.Channels <= 0 || opts.Banks <= 0 || opts.Batch <= 0 || opts.Workers <= 0 {
			return fmt.Errorf("accounts, channels, banks, batch and workers must be positive")
		}
		return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	benchCmd.Flags().String("url", "http://localhost:8080", "Kestrel base URL")
	benchCmd.Flags().String("tenant", "benchmark-test", "Tenant ID for requests")
	benchCmd.Flags().Int("accounts", 10000, "Total accounts to assign")
	benchCmd.Flags().Int("channels", 20, "Synthetic catalog size")
	benchCmd.Flags().Int("banks", 5, "Distinct settlement banks")
	benchCmd.Flags().Int("batch", 500, "Accounts per request")
	benchCmd.Flags().Int("workers", 10, "Concurrent requests")
	benchCmd.Flags().Uint64("seed", 1, "Random seed for synthetic data")
}

type benchOptions struct {
	URL      string
	Tenant   string
	Accounts int
	Channels int
	Banks    int
	Batch    int
	Workers  int
	Seed     uint64
}

type benchChannel struct {
	ChannelID      string  `json:"channelId"`
	DisplayName    string  `json:"displayName"`
	SettlementBank string  `json:"settlementBank"`
	RoutingClass   string  `json:"routingClass"`
	CostOnSuccess  float64 `json:"costOnSuccess"`
	CostOnFailure  float64 `json:"costOnFailure"`
}

type benchAccount struct {
	AccountID     string             `json:"accountId"`
	HomeBank      string             `json:"homeBank"`
	OwedAmount    float64            `json:"owedAmount"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type benchReport struct {
	Summary struct {
		Accounts   int `json:"accounts"`
		Selected   int `json:"selected"`
		NoEligible int `json:"noEligible"`
		Failed     int `json:"failed"`
	} `json:"summary"`
}

// benchMetrics tracks benchmark results
type benchMetrics struct {
	requests   atomic.Int64
	errors     atomic.Int64
	selected   atomic.Int64
	noEligible atomic.Int64
	failed     atomic.Int64

	mu        sync.Mutex
	latencies []float64 // milliseconds
}

func (m *benchMetrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, float64(d.Microseconds())/1000)
	m.mu.Unlock()
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	fmt.Fprintln(out, "KESTREL BENCHMARK - synthetic assignment batches")
	fmt.Fprintf(out, "\nKestrel URL: %s\n", opts.URL)
	fmt.Fprintf(out, "Tenant ID:   %s\n", opts.Tenant)
	fmt.Fprintf(out, "Accounts:    %d (batches of %d)\n", opts.Accounts, opts.Batch)
	fmt.Fprintf(out, "Channels:    %d across %d banks\n", opts.Channels, opts.Banks)
	fmt.Fprintf(out, "Workers:     %d\n\n", opts.Workers)

	client := &http.Client{Timeout: 60 * time.Second}

	if err := checkHealth(ctx, client, opts.URL); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", opts.URL, err)
	}
	fmt.Fprintln(out, "Kestrel is healthy")

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	channels := syntheticCatalog(rng, opts.Channels, opts.Banks)
	if err := postJSON(ctx, client, http.MethodPut, opts.URL+"/catalog", opts.Tenant, map[string]any{"channels": channels}, nil); err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	fmt.Fprintf(out, "Catalog replaced with %d channels\n", len(channels))

	batches := syntheticBatches(rng, channels, opts.Accounts, opts.Banks, opts.Batch)

	metrics := &benchMetrics{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, batch := range batches {
		g.Go(func() error {
			var rep benchReport
			t0 := time.Now()
			err := postJSON(gctx, client, http.MethodPost, opts.URL+"/assignments", opts.Tenant, map[string]any{"accounts": batch}, &rep)
			metrics.observe(time.Since(t0))
			metrics.requests.Add(1)

			// Request errors are counted, not fatal
			if err != nil {
				metrics.errors.Add(1)
				return nil
			}
			metrics.selected.Add(int64(rep.Summary.Selected))
			metrics.noEligible.Add(int64(rep.Summary.NoEligible))
			metrics.failed.Add(int64(rep.Summary.Failed))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printBenchResults(out, metrics, opts.Accounts, time.Since(start))
	return nil
}

func syntheticCatalog(rng *rand.Rand, n, banks int) []benchChannel {
	channels := make([]benchChannel, n)
	for i := range channels {
		routing := "DOMESTIC"
		if i%3 == 0 {
			routing = "INTERBANK"
		}
		channels[i] = benchChannel{
			ChannelID:      fmt.Sprintf("CH%03d", i),
			DisplayName:    fmt.Sprintf("Channel %d", i),
			SettlementBank: fmt.Sprintf("BANK%02d", i%banks),
			RoutingClass:   routing,
			CostOnSuccess:  float64(rng.IntN(20)),
			CostOnFailure:  float64(rng.IntN(10)),
		}
	}
	return channels
}

// syntheticBatches scores every account against a random subset of channels.
func syntheticBatches(rng *rand.Rand, channels []benchChannel, total, banks, size int) [][]benchAccount {
	var batches [][]benchAccount
	batch := make([]benchAccount, 0, size)

	for i := 0; i < total; i++ {
		probs := make(map[string]float64)
		for _, ch := range channels {
			if rng.Float64() < 0.5 {
				probs[ch.ChannelID] = rng.Float64()
			}
		}
		batch = append(batch, benchAccount{
			AccountID:     fmt.Sprintf("acct-%07d", i),
			HomeBank:      fmt.Sprintf("BANK%02d", rng.IntN(banks)),
			OwedAmount:    float64(100 + rng.IntN(10000)),
			Probabilities: probs,
		})
		if len(batch) == size {
			batches = append(batches, batch)
			batch = make([]benchAccount, 0, size)
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, method, url, tenantID string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printBenchResults(out io.Writer, m *benchMetrics, accounts int, duration time.Duration) {
	fmt.Fprintln(out, "\nBENCHMARK RESULTS")

	fmt.Fprintf(out, "\n   Requests:      %d\n", m.requests.Load())
	fmt.Fprintf(out, "   Errors:        %d\n", m.errors.Load())
	fmt.Fprintf(out, "   Selected:      %d\n", m.selected.Load())
	fmt.Fprintf(out, "   No eligible:   %d\n", m.noEligible.Load())
	fmt.Fprintf(out, "   Failed:        %d\n", m.failed.Load())

	fmt.Fprintf(out, "\nPERFORMANCE\n")
	fmt.Fprintf(out, "   Total Duration:   %v\n", duration.Round(time.Millisecond))

	lat := latencyStats(m.latencies)
	if lat.n > 0 {
		fmt.Fprintf(out, "   Mean Latency:     %.2f ms (sd %.2f)\n", lat.mean, lat.stdDev)
		fmt.Fprintf(out, "   p50 / p95 / p99:  %.2f / %.2f / %.2f ms\n", lat.p50, lat.p95, lat.p99)
		fmt.Fprintf(out, "   Throughput:       %.2f accounts/sec\n", float64(accounts)/duration.Seconds())
	}
	fmt.Fprintln(out)
}

type latencySummary struct {
	n             int
	mean, stdDev  float64
	p50, p95, p99 float64
}

func latencyStats(samples []float64) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	s := latencySummary{n: len(sorted)}
	s.mean, s.stdDev = stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		s.stdDev = 0
	}
	s.p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	s.p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	s.p99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	return s
}
