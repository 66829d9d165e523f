package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/punchamoorthee/bankops/internal/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// Config holds the benchmark settings
var (
	targetURL      string
	apiKey         string
	concurrency    int
	duration       time.Duration
	routingNumber  int
	partnerRouting int
	totalAccounts  int
	replayKeys     int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // First outcomes
	replayed      uint64 // Idempotent replays
	fail409       uint64 // Still in progress
	fail422       uint64 // Protocol violations
	failOther     uint64
)

func main() {
	root := &cobra.Command{
		Use:   "benchmark",
		Short: "Load generator for the /interbank endpoint",
	}
	flags := root.PersistentFlags()
	flags.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flags.StringVar(&apiKey, "api-key", os.Getenv("INTERBANK_API_KEY"), "X-Api-Key sent with every request")
	flags.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flags.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flags.IntVar(&routingNumber, "routing", 111, "Routing number of the bank under test")
	flags.IntVar(&partnerRouting, "partner", 222, "Routing number the benchmark poses as")
	flags.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts")

	root.AddCommand(&cobra.Command{
		Use:   "interbank",
		Short: "NEW_TX followed by COMMIT_TX, each under a fresh key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("interbank", interbankWorker)
		},
	})

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Many workers hammering the same few idempotence keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("replay", replayWorker)
		},
	}
	replay.Flags().IntVar(&replayKeys, "keys", 10, "Number of distinct idempotence keys")
	root.AddCommand(replay)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(workload string, worker func(*sync.WaitGroup, time.Time)) error {
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}
	wg.Wait()
	return printResults(workload, time.Since(start))
}

var client = &http.Client{Timeout: 5 * time.Second}

func interbankWorker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	for time.Since(start) < duration {
		txID := domain.IdempotenceKey{RoutingNumber: partnerRouting, LocallyGeneratedKey: uuid.NewString()}
		send(envelope(domain.MessageNewTx, newTx(txID, randomAccount())))
		send(envelope(domain.MessageCommitTx, domain.CommitTransaction{TransactionID: txID}))
	}
}

func replayWorker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	bodies := make([][]byte, replayKeys)
	for i := range bodies {
		txID := domain.IdempotenceKey{RoutingNumber: partnerRouting, LocallyGeneratedKey: fmt.Sprintf("bench-tx-%d", i)}
		msg := newTx(txID, accountNumber(i%totalAccounts+1))
		raw, _ := json.Marshal(msg)
		bodies[i], _ = json.Marshal(domain.InterbankMessage{
			IdempotenceKey: domain.IdempotenceKey{RoutingNumber: partnerRouting, LocallyGeneratedKey: fmt.Sprintf("bench-%d", i)},
			MessageType:    domain.MessageNewTx,
			Message:        raw,
		})
	}
	for time.Since(start) < duration {
		send(bodies[rand.Intn(len(bodies))])
	}
}

func accountNumber(i int) string {
	return fmt.Sprintf("%s%013d", service.RoutingPrefix(routingNumber), i)
}

func randomAccount() string {
	return accountNumber(rand.Intn(totalAccounts) + 1)
}

// newTx debits one local account and credits an account at the partner bank.
func newTx(id domain.IdempotenceKey, local string) domain.InterbankTransaction {
	rsd := domain.Asset{Type: domain.AssetMonas, Asset: domain.MonetaryAsset{Currency: "RSD"}}
	remote := fmt.Sprintf("%s%013d", service.RoutingPrefix(partnerRouting), 1)
	return domain.InterbankTransaction{
		Postings: []domain.Posting{
			{Account: domain.TxAccount{Type: domain.TxAccountAccount, Num: local}, Amount: decimal.NewFromInt(-1), Asset: rsd},
			{Account: domain.TxAccount{Type: domain.TxAccountAccount, Num: remote}, Amount: decimal.NewFromInt(1), Asset: rsd},
		},
		Message:       "benchmark",
		TransactionID: id,
	}
}

func envelope(mt domain.MessageType, payload interface{}) []byte {
	raw, _ := json.Marshal(payload)
	body, _ := json.Marshal(domain.InterbankMessage{
		IdempotenceKey: domain.NewIdempotenceKey(partnerRouting),
		MessageType:    mt,
		Message:        raw,
	})
	return body
}

func send(body []byte) {
	req, _ := http.NewRequest("POST", targetURL+"/interbank", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch {
	case resp.StatusCode == 200 && resp.Header.Get("Idempotent-Replay") == "true":
		atomic.AddUint64(&replayed, 1)
	case resp.StatusCode == 200:
		atomic.AddUint64(&success200, 1)
	case resp.StatusCode == 409:
		atomic.AddUint64(&fail409, 1)
	case resp.StatusCode == 422:
		atomic.AddUint64(&fail422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(workload string, d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	f409 := atomic.LoadUint64(&fail409)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_first":     atomic.LoadUint64(&success200),
		"success_replay":    atomic.LoadUint64(&replayed),
		"in_progress":       f409,
		"in_progress_pct":   conflictRate,
		"protocol_rejected": atomic.LoadUint64(&fail422),
		"errors":            atomic.LoadUint64(&failOther),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	// Also save to file
	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
