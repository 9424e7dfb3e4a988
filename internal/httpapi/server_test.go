package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/jwt"
	"github.com/MrEthical07/regflow/ledger/sqlstore"
	"github.com/MrEthical07/regflow/metrics/export/prometheus"
	"github.com/MrEthical07/regflow/payment/paymenttest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codeInbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeInbox) SendCode(_ context.Context, identity, code string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes == nil {
		c.codes = map[string]string{}
	}
	c.codes[identity] = code
	return nil
}

func (c *codeInbox) get(identity string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[identity]
}

func newServer(t *testing.T) (http.Handler, *codeInbox, *paymenttest.Gateway) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := paymenttest.New()
	inbox := &codeInbox{}

	cfg := regflow.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.Metrics.Enabled = true
	cfg.Ticket.SigningMethod = jwt.MethodHS256
	cfg.Ticket.PrivateKey = []byte(strings.Repeat("k", 32))

	engine, err := regflow.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLedger(store).
		WithGateway(gw).
		WithCodeSender(inbox).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	exporter := prometheus.NewPrometheusExporter(engine)
	return NewRouter(Config{FloodRPS: 1000, FloodBurst: 1000}, engine, zerolog.Nop(), exporter.Handler()), inbox, gw
}

func TestRegistrationOverHTTP(t *testing.T) {
	h, inbox, gw := newServer(t)

	rec := do(t, h, http.MethodPost, "/v1/otc/send", `{"email":"STU25000123@College.edu"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	code := inbox.get(identity)
	require.Len(t, code, 6)

	rec = do(t, h, http.MethodPost, "/v1/otc/send", `{"email":"`+identity+`"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "resend inside cooldown")

	rec = do(t, h, http.MethodPost, "/v1/otc/verify", `{"email":"`+identity+`","code":"`+code+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verified verifyCodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	require.NotEmpty(t, verified.Ticket)
	auth := map[string]string{"Authorization": "Bearer " + verified.Ticket}

	rec = do(t, h, http.MethodPost, "/v1/payments/initiate",
		`{"name":"Asha Rao","student_number":"2500123","section":"A","hostler":false}`, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var order initiateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, int64(10000), order.Amount)
	assert.Equal(t, "INR", order.Currency)

	body, sig := gw.Captured(order.OrderID, "pay_1")
	for i := 0; i < 2; i++ {
		rec = do(t, h, http.MethodPost, "/v1/payments/webhook", string(body), map[string]string{signatureHeader: sig})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, "duplicate", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/v1/payments/status", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "PAYMENT_SUCCESS", status["state"])
	assert.Equal(t, "pay_1", status["payment_reference"])

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "regflow_payment_succeeded_total 1")
}

func TestTamperedWebhookRejected(t *testing.T) {
	h, _, gw := newServer(t)

	body, sig := gw.Captured("order_missing", "pay_1")
	tampered := strings.Replace(string(body), "pay_1", "pay_2", 1)

	rec := do(t, h, http.MethodPost, "/v1/payments/webhook", tampered, map[string]string{signatureHeader: sig})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeBody(t, rec)["code"])
}
