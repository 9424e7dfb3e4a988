//go:build integration
// +build integration

package test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/jwt"
	"github.com/MrEthical07/regflow/ledger/sqlstore"
	"github.com/MrEthical07/regflow/payment/paymenttest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// redisMode describes which Redis backend a suite is running against.
type redisMode struct {
	name  string
	setup func(t *testing.T) redis.UniversalClient
}

// redisModes returns miniredis, plus a real server when REDIS_ADDR is set.
func redisModes(t *testing.T) []redisMode {
	t.Helper()
	modes := []redisMode{{
		name: "miniredis",
		setup: func(t *testing.T) redis.UniversalClient {
			t.Helper()
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return rdb
		},
	}}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) redis.UniversalClient {
				t.Helper()
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis at %s: %v", addr, err)
				}
				t.Cleanup(func() { _ = rdb.Close() })
				return rdb
			},
		})
	}
	return modes
}

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *inbox) SendCode(_ context.Context, identity, code string, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.codes == nil {
		b.codes = map[string]string{}
	}
	b.codes[identity] = code
	return nil
}

func (b *inbox) code(identity string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[identity]
}

type notifications struct {
	mu    sync.Mutex
	byID  map[string]int
	total int
}

func (n *notifications) NotifyRegistered(_ context.Context, reg regflow.Registration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.byID == nil {
		n.byID = map[string]int{}
	}
	n.byID[reg.Identity]++
	n.total++
	return nil
}

func (n *notifications) count(identity string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byID[identity]
}

type harness struct {
	engine   *regflow.Engine
	gateway  *paymenttest.Gateway
	inbox    *inbox
	notified *notifications
}

// newHarness builds an engine on rdb with an in-memory SQLite ledger. Each
// harness gets its own key prefix so real Redis runs do not collide.
func newHarness(t *testing.T, rdb redis.UniversalClient, mutate func(*regflow.Config)) *harness {
	t.Helper()

	name := strings.NewReplacer("/", "_", ":", "_", ".", "_").Replace(t.Name())
	store, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite,
		fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("sqlstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := regflow.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.Metrics.Enabled = true
	cfg.Ticket.SigningMethod = jwt.MethodHS256
	cfg.Ticket.PrivateKey = []byte(strings.Repeat("i", 32))
	cfg.Store.RedisPrefix = fmt.Sprintf("it%d", time.Now().UnixNano())
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		gateway:  paymenttest.New(),
		inbox:    &inbox{},
		notified: &notifications{},
	}
	engine, err := regflow.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLedger(store).
		WithGateway(h.gateway).
		WithCodeSender(h.inbox).
		WithNotifier(h.notified).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

// verify runs issue + verify for identity and returns the ticket.
func (h *harness) verify(t *testing.T, identity string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.IssueChallenge(ctx, identity); err != nil {
		t.Fatalf("IssueChallenge(%s): %v", identity, err)
	}
	res, err := h.engine.VerifyChallenge(ctx, identity, h.inbox.code(identity))
	if err != nil {
		t.Fatalf("VerifyChallenge(%s): %v", identity, err)
	}
	return res.Ticket
}

func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}
