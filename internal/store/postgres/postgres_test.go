package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// These tests need a disposable database; its tables are truncated.
const databaseEnv = "URBANFOODRIDE_TEST_DATABASE_URL"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv(databaseEnv)
	if url == "" {
		t.Skipf("%s not set", databaseEnv)
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate twice")
	_, err = s.db.Exec(ctx, `truncate food_orders, ride_requests, outbox restart identity`)
	require.NoError(t, err)
	return s
}

func testOrder(id string) *store.Order {
	return &store.Order{
		OrderID:         id,
		UserID:          "user-1",
		RestaurantID:    "resto-1",
		Items:           []urbandash.OrderItem{{ID: "i1", Name: "Soup", Price: decimal.RequireFromString("6.75"), Quantity: 2}},
		DeliveryAddress: urbandash.Address{Street: "123 Main St", City: "Springfield"},
		Status:          urbandash.OrderPending,
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testRide(id string) *store.Ride {
	return &store.Ride{
		RequestID:         id,
		UserID:            "user-1",
		PickupLocation:    "123 Main St",
		DropLocation:      "9 Oak Ave",
		PickupTime:        "2026-03-01T12:30:00Z",
		RideCapacity:      2,
		AssociatedOrderID: "ORDER-1",
		Status:            urbandash.RidePending,
		CreatedAt:         time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
	}
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateOrder(ctx, testOrder("ORDER-1"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := testOrder("ORDER-1")
	dup.RestaurantID = "other"
	created, err = s.CreateOrder(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	o, err := s.GetOrder(ctx, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, "resto-1", o.RestaurantID)
	assert.Equal(t, "123 Main St, Springfield", o.DeliveryAddress.String())
	assert.Equal(t, "13.50", o.Subtotal().StringFixed(2))
	assert.True(t, o.CreatedAt.Equal(testOrder("").CreatedAt))
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetOrder(ctx, "nope")
	assert.True(t, errors.Is(err, urbandash.ErrNotFound))
	_, err = s.GetRide(ctx, "nope")
	assert.True(t, errors.Is(err, urbandash.ErrNotFound))
	err = s.UpdateOrder(ctx, "nope", func(*store.Order) ([]store.OutboxEvent, error) { return nil, nil })
	assert.True(t, errors.Is(err, urbandash.ErrNotFound))
}

func TestUpdateRide(t *testing.T) {
	tests := []struct {
		name       string
		mutate     store.RideMutation
		wantErr    bool
		wantStatus urbandash.RideStatus
		wantRows   int
	}{
		{
			name: "applies record and outbox together",
			mutate: func(r *store.Ride) ([]store.OutboxEvent, error) {
				miles := 0.4
				r.Status = urbandash.RideMatched
				r.Discount = 100
				r.DriverID = "driver-1"
				r.DistanceMiles = &miles
				return []store.OutboxEvent{{Topic: "ride-status-changed", Key: r.RequestID, Payload: []byte(`{"status":"MATCHED"}`)}}, nil
			},
			wantStatus: urbandash.RideMatched,
			wantRows:   1,
		},
		{
			name: "failed mutation rolls back",
			mutate: func(r *store.Ride) ([]store.OutboxEvent, error) {
				r.Status = urbandash.RideMatched
				return []store.OutboxEvent{{Topic: "ride-status-changed", Key: r.RequestID, Payload: []byte(`{}`)}}, errors.New("boom")
			},
			wantErr:    true,
			wantStatus: urbandash.RidePending,
		},
		{
			name: "unchanged writes nothing",
			mutate: func(r *store.Ride) ([]store.OutboxEvent, error) {
				r.Status = urbandash.RideCancelled
				return nil, store.ErrUnchanged
			},
			wantStatus: urbandash.RidePending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()
			_, err := s.CreateRide(ctx, testRide("RIDE-1"))
			require.NoError(t, err)

			err = s.UpdateRide(ctx, "RIDE-1", tt.mutate)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			r, err := s.GetRide(ctx, "RIDE-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, "ORDER-1", r.AssociatedOrderID)
			rows, err := s.PendingOutbox(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, rows, tt.wantRows)
			if tt.wantRows > 0 {
				assert.Equal(t, 100, r.Discount)
				require.NotNil(t, r.DistanceMiles)
				assert.InDelta(t, 0.4, *r.DistanceMiles, 1e-9)
			}
		})
	}
}

func TestUpdateOrderSerializesConcurrentTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateOrder(ctx, testOrder("ORDER-1"))
	require.NoError(t, err)

	// Row locking lets exactly one writer see PENDING.
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateOrder(ctx, "ORDER-1", func(o *store.Order) ([]store.OutboxEvent, error) {
				if o.Status != urbandash.OrderPending {
					return nil, store.ErrUnchanged
				}
				o.Status = urbandash.OrderConfirmed
				o.AgentID = "agent-1"
				mu.Lock()
				applied++
				mu.Unlock()
				return []store.OutboxEvent{{Topic: "delivery-status-changed", Key: o.OrderID, Payload: []byte(`{"status":"CONFIRMED"}`)}}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	o, err := s.GetOrder(ctx, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, urbandash.OrderConfirmed, o.Status)
	assert.Equal(t, "agent-1", o.AgentID)
	rows, err := s.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestOutboxOrderAndMarkPublished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx,
		store.OutboxEvent{Topic: "t", Key: "a", Payload: []byte(`{"n":1}`)},
		store.OutboxEvent{Topic: "t", Key: "b", Payload: []byte(`{"n":2}`)},
		store.OutboxEvent{Topic: "t", Key: "c", Payload: []byte(`{"n":3}`)},
	))

	rows, err := s.PendingOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Key)
	assert.Equal(t, "b", rows[1].Key)
	assert.Less(t, rows[0].ID, rows[1].ID)
	assert.JSONEq(t, `{"n":1}`, string(rows[0].Payload))

	require.NoError(t, s.MarkPublished(ctx, rows[0].ID))
	require.NoError(t, s.MarkPublished(ctx, rows[0].ID))

	rows, err = s.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Key)
	assert.False(t, rows[0].CreatedAt.IsZero())
}
