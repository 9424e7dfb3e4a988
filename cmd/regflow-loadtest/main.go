// Command regflow-loadtest drives concurrent registrations through the
// engine and checks that duplicate webhook deliveries settle each
// registration exactly once.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/MrEthical07/regflow/ledger/sqlstore"
	"github.com/MrEthical07/regflow/payment/paymenttest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *inbox) SendCode(_ context.Context, identity, code string, _ time.Time) error {
	b.mu.Lock()
	b.codes[identity] = code
	b.mu.Unlock()
	return nil
}

func (b *inbox) code(identity string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[identity]
}

type countingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *countingNotifier) NotifyRegistered(_ context.Context, reg regflow.Registration) error {
	n.mu.Lock()
	n.calls[reg.Identity]++
	n.mu.Unlock()
	return nil
}

type registrant struct {
	identity string
	order    string
}

type options struct {
	registrations int
	concurrency   int
	deliveries    int
	redisAddr     string
	driver        string
	dsn           string
}

func main() {
	var o options
	flag.IntVar(&o.registrations, "registrations", 2000, "number of registrations to drive end to end")
	flag.IntVar(&o.concurrency, "concurrency", 64, "number of concurrent workers")
	flag.IntVar(&o.deliveries, "deliveries", 4, "webhook deliveries per payment, duplicates included")
	flag.StringVar(&o.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address; miniredis when empty")
	flag.StringVar(&o.driver, "driver", "sqlite", "ledger driver: sqlite or postgres")
	flag.StringVar(&o.dsn, "dsn", "file:regflow-loadtest?mode=memory&cache=shared", "ledger DSN")
	flag.Parse()

	if o.registrations <= 0 || o.concurrency <= 0 || o.deliveries <= 0 {
		fmt.Fprintln(os.Stderr, "registrations, concurrency and deliveries must be positive")
		os.Exit(2)
	}
	violations, err := run(context.Background(), o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
	if violations > 0 {
		fmt.Fprintf(os.Stderr, "%d invariant violations\n", violations)
		os.Exit(1)
	}
	fmt.Println("invariants hold")
}

func run(ctx context.Context, o options) (int, error) {
	client, closeRedis, err := openRedis(o.redisAddr)
	if err != nil {
		return 0, err
	}
	defer closeRedis()

	driver := sqlstore.DriverSQLite
	if o.driver == "postgres" {
		driver = sqlstore.DriverPostgres
	}
	store, err := sqlstore.Open(ctx, driver, o.dsn)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	gw := paymenttest.New()
	codes := &inbox{codes: map[string]string{}}
	notifier := &countingNotifier{calls: map[string]int{}}

	cfg := regflow.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	stamp := time.Now().UnixNano()
	cfg.Store.RedisPrefix = fmt.Sprintf("lt%d", stamp)

	engine, err := regflow.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLedger(store).
		WithGateway(gw).
		WithCodeSender(codes).
		WithNotifier(notifier).
		Build()
	if err != nil {
		return 0, fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	people := make([]registrant, o.registrations)
	for i := range people {
		people[i].identity = fmt.Sprintf("lt%d.%d@college.edu", stamp, i)
	}

	printStats("register", runRegisterPhase(ctx, engine, codes, people, o.concurrency))
	printStats("reconcile", runReconcilePhase(ctx, engine, gw, people, o.deliveries, o.concurrency))

	snap := engine.MetricsSnapshot()
	fmt.Printf("succeeded=%d duplicates=%d stale=%d\n",
		snap.Counters[regflow.MetricPaymentSucceeded],
		snap.Counters[regflow.MetricPaymentDuplicate],
		snap.Counters[regflow.MetricStaleTransition])
	return checkInvariants(ctx, engine, notifier, people), nil
}

// openRedis connects to addr, or to an in-process miniredis when addr is
// empty.
func openRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("redis: %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("redis: in-process miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

// runRegisterPhase issues, verifies, and opens an order for each registrant.
func runRegisterPhase(ctx context.Context, engine *regflow.Engine, codes *inbox, people []registrant, concurrency int) phaseStats {
	return runPhase(len(people), concurrency, func(i int) error {
		order, err := register(ctx, engine, codes, people[i].identity)
		if err == nil {
			people[i].order = order
		}
		return err
	})
}

func register(ctx context.Context, engine *regflow.Engine, codes *inbox, identity string) (string, error) {
	if _, err := engine.IssueChallenge(ctx, identity); err != nil {
		return "", fmt.Errorf("issue: %w", err)
	}
	if _, err := engine.VerifyChallenge(ctx, identity, codes.code(identity)); err != nil {
		return "", fmt.Errorf("verify: %w", err)
	}
	order, err := engine.InitiatePayment(ctx, identity, map[string]string{"name": identity})
	if err != nil {
		return "", fmt.Errorf("initiate: %w", err)
	}
	return order.OrderReference, nil
}

// runReconcilePhase delivers every capture event several times in shuffled
// order across all workers.
func runReconcilePhase(ctx context.Context, engine *regflow.Engine, gw *paymenttest.Gateway, people []registrant, deliveries, concurrency int) phaseStats {
	type delivery struct {
		body []byte
		sig  string
	}
	var queue []delivery
	for i, p := range people {
		if p.order == "" {
			continue
		}
		body, sig := gw.Captured(p.order, fmt.Sprintf("pay_%d", i))
		for range deliveries {
			queue = append(queue, delivery{body: body, sig: sig})
		}
	}
	rand.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })

	return runPhase(len(queue), concurrency, func(i int) error {
		_, err := engine.ReconcilePayment(ctx, queue[i].body, queue[i].sig)
		return err
	})
}

// runPhase calls op for every index in [0, n) from concurrency workers.
// Each worker keeps its own latency slice; they are merged once at the end.
func runPhase(n, concurrency int, op func(i int) error) phaseStats {
	var (
		next     atomic.Int64
		failures atomic.Int64
		wg       sync.WaitGroup
	)
	perWorker := make([][]time.Duration, max(concurrency, 1))

	start := time.Now()
	for w := range perWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				began := time.Now()
				if err := op(i); err != nil {
					failures.Add(1)
				}
				perWorker[w] = append(perWorker[w], time.Since(began))
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	samples := make([]time.Duration, 0, n)
	for _, s := range perWorker {
		samples = append(samples, s...)
	}
	return computeStats(elapsed, samples, failures.Load())
}

// checkInvariants reports registrations that did not settle exactly once.
func checkInvariants(ctx context.Context, engine *regflow.Engine, notifier *countingNotifier, people []registrant) int {
	violations := 0
	for _, p := range people {
		if p.order == "" {
			continue
		}
		reg, err := engine.PaymentStatus(ctx, p.identity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: status: %v\n", p.identity, err)
			violations++
			continue
		}
		if reg.State != ledger.StatePaymentSuccess {
			fmt.Fprintf(os.Stderr, "%s: state %s, want %s\n", p.identity, reg.State, ledger.StatePaymentSuccess)
			violations++
		}
		notifier.mu.Lock()
		n := notifier.calls[p.identity]
		notifier.mu.Unlock()
		if n != 1 {
			fmt.Fprintf(os.Stderr, "%s: notified %d times\n", p.identity, n)
			violations++
		}
	}
	return violations
}

type phaseStats struct {
	elapsed       time.Duration
	ops           int
	failures      int64
	p50, p95, p99 time.Duration
}

func computeStats(elapsed time.Duration, samples []time.Duration, failures int64) phaseStats {
	slices.Sort(samples)
	return phaseStats{
		elapsed:  elapsed,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 0.50),
		p95:      percentile(samples, 0.95),
		p99:      percentile(samples, 0.99),
	}
}

// percentile expects sorted samples and uses the nearest-rank below q.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func printStats(name string, s phaseStats) {
	var rate float64
	if s.elapsed > 0 {
		rate = float64(s.ops) / s.elapsed.Seconds()
	}
	fmt.Printf("%-10s ops=%-6d failed=%-4d elapsed=%-8s rate=%.0f/s p50=%s p95=%s p99=%s\n",
		name, s.ops, s.failures, s.elapsed.Round(time.Millisecond), rate,
		s.p50.Round(time.Microsecond), s.p95.Round(time.Microsecond), s.p99.Round(time.Microsecond))
}
