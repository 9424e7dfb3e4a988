package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MrEthical07/regflow/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ledger.NewRecord("stu25000123@college.edu", ledger.StateEmailVerified, ledger.Profile{"name": "Asha"})
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "stu25000123@college.edu")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, ledger.StateEmailVerified, got.State)
	assert.Equal(t, "Asha", got.Profile["name"])
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
	assert.Empty(t, got.OrderReference)
}

func TestCreateRejectsDuplicateIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))
	err := s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil))
	assert.ErrorIs(t, err, ledger.ErrIdentityExists)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nobody@x.edu")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = s.GetByOrder(context.Background(), "ORD-404")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTransitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))

	rec, err := s.Transition(ctx, ledger.Transition{
		Identity:       "a@x.edu",
		From:           ledger.StateEmailVerified,
		To:             ledger.StatePaymentPending,
		OrderReference: "ORD-1",
		Profile:        ledger.Profile{"roll": "25000123"},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePaymentPending, rec.State)
	assert.Equal(t, "ORD-1", rec.OrderReference)
	assert.Equal(t, "25000123", rec.Profile["roll"])

	byOrder, err := s.GetByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byOrder.ID)

	rec, err = s.Transition(ctx, ledger.Transition{
		Identity:             "a@x.edu",
		From:                 ledger.StatePaymentPending,
		To:                   ledger.StatePaymentSuccess,
		ExpectOrderReference: "ORD-1",
		PaymentReference:     "PAY-9",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePaymentSuccess, rec.State)
	assert.Equal(t, "PAY-9", rec.PaymentReference)
	assert.Equal(t, "25000123", rec.Profile["roll"])
}

func TestTransitionStaleAndMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))

	_, err := s.Transition(ctx, ledger.Transition{
		Identity:         "a@x.edu",
		From:             ledger.StatePaymentPending,
		To:               ledger.StatePaymentSuccess,
		PaymentReference: "PAY-1",
	})
	assert.ErrorIs(t, err, ledger.ErrStaleTransition)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity:       "ghost@x.edu",
		From:           ledger.StateEmailVerified,
		To:             ledger.StatePaymentPending,
		OrderReference: "ORD-9",
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "a@x.edu",
		From:     ledger.StatePaymentSuccess,
		To:       ledger.StatePaymentPending,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestTransitionChecksExpectedOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))
	_, err := s.Transition(ctx, ledger.Transition{
		Identity: "a@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-2",
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity:             "a@x.edu",
		From:                 ledger.StatePaymentPending,
		To:                   ledger.StatePaymentSuccess,
		ExpectOrderReference: "ORD-1",
		PaymentReference:     "PAY-1",
	})
	assert.ErrorIs(t, err, ledger.ErrStaleTransition)
}

func TestTransitionDuplicateReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a@x.edu", "b@x.edu"} {
		require.NoError(t, s.Create(ctx, ledger.NewRecord(id, ledger.StateEmailVerified, nil)))
	}

	_, err := s.Transition(ctx, ledger.Transition{
		Identity: "a@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-1",
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "b@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-1",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "b@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-2",
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "a@x.edu", From: ledger.StatePaymentPending, To: ledger.StatePaymentSuccess, PaymentReference: "PAY-9",
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "b@x.edu", From: ledger.StatePaymentPending, To: ledger.StatePaymentSuccess, PaymentReference: "PAY-9",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	got, err := s.Get(ctx, "b@x.edu")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePaymentPending, got.State)
}

func TestFailedRecordReentersPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))

	steps := []ledger.Transition{
		{Identity: "a@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-1"},
		{Identity: "a@x.edu", From: ledger.StatePaymentPending, To: ledger.StatePaymentFailed, PaymentReference: "PAY-1"},
		{Identity: "a@x.edu", From: ledger.StatePaymentFailed, To: ledger.StatePaymentPending, OrderReference: "ORD-2"},
	}
	var rec *ledger.Record
	var err error
	for _, step := range steps {
		rec, err = s.Transition(ctx, step)
		require.NoError(t, err)
	}
	assert.Equal(t, "ORD-2", rec.OrderReference)
	assert.Empty(t, rec.PaymentReference)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		stale   int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Transition(ctx, ledger.Transition{
				Identity:       "a@x.edu",
				From:           ledger.StateEmailVerified,
				To:             ledger.StatePaymentPending,
				OrderReference: fmt.Sprintf("ORD-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ledger.ErrStaleTransition):
				stale++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, stale)
}

func TestReplacedReferencesStayClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a@x.edu", "b@x.edu"} {
		require.NoError(t, s.Create(ctx, ledger.NewRecord(id, ledger.StateEmailVerified, nil)))
	}
	for _, step := range []ledger.Transition{
		{Identity: "a@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-1"},
		{Identity: "a@x.edu", From: ledger.StatePaymentPending, To: ledger.StatePaymentFailed, PaymentReference: "PAY-X"},
		{Identity: "a@x.edu", From: ledger.StatePaymentFailed, To: ledger.StatePaymentPending, OrderReference: "ORD-2"},
	} {
		_, err := s.Transition(ctx, step)
		require.NoError(t, err)
	}

	_, err := s.Transition(ctx, ledger.Transition{
		Identity: "b@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-1",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "b@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-3",
	})
	require.NoError(t, err)
	_, err = s.Transition(ctx, ledger.Transition{
		Identity: "b@x.edu", From: ledger.StatePaymentPending, To: ledger.StatePaymentSuccess, PaymentReference: "PAY-X",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	got, err := s.Get(ctx, "b@x.edu")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePaymentPending, got.State)
	assert.Empty(t, got.PaymentReference)

	// the replaced order still resolves to its owner
	owner, err := s.GetByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.edu", owner.Identity)
	assert.True(t, owner.Superseded("ORD-1"))
	assert.False(t, owner.Superseded("ORD-2"))
}

func TestSameOwnerMayReuseItsPaymentReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, ledger.NewRecord("a@x.edu", ledger.StateEmailVerified, nil)))
	for _, step := range []ledger.Transition{
		{Identity: "a@x.edu", From: ledger.StateEmailVerified, To: ledger.StatePaymentPending, OrderReference: "ORD-1"},
		{Identity: "a@x.edu", From: ledger.StatePaymentPending, To: ledger.StatePaymentFailed, PaymentReference: "PAY-1"},
		{Identity: "a@x.edu", From: ledger.StatePaymentFailed, To: ledger.StatePaymentSuccess, PaymentReference: "PAY-1"},
	} {
		_, err := s.Transition(ctx, step)
		require.NoError(t, err)
	}
}
