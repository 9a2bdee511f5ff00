package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

const orderColumns = `id,user_id,restaurant_id,items,delivery_address,status,agent_id,eta_minutes,created_at,updated_at`

func (s *Store) CreateOrder(ctx context.Context, o *store.Order) (bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return false, err
	}
	addr, err := json.Marshal(o.DeliveryAddress)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `insert into food_orders(`+orderColumns+`) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		on conflict (id) do nothing`,
		o.OrderID, o.UserID, o.RestaurantID, items, addr, string(o.Status), o.AgentID, o.ETAMinutes, o.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*store.Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `select `+orderColumns+` from food_orders where id=$1`, id), id)
}

// UpdateOrder locks the row, applies fn and writes the row and its outbox
// events in the same transaction.
func (s *Store) UpdateOrder(ctx context.Context, id string, fn store.OrderMutation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, `select `+orderColumns+` from food_orders where id=$1 for update`, id), id)
	if err != nil {
		return err
	}
	events, err := fn(o)
	if errors.Is(err, store.ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `update food_orders set status=$2, agent_id=$3, eta_minutes=$4, updated_at=now() where id=$1`,
		id, string(o.Status), o.AgentID, o.ETAMinutes)
	if err != nil {
		return err
	}
	if err := enqueue(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const rideColumns = `id,user_id,pickup_location,drop_location,pickup_time,ride_capacity,associated_order_id,status,driver_id,discount,distance_miles,created_at,updated_at`

func (s *Store) CreateRide(ctx context.Context, r *store.Ride) (bool, error) {
	tag, err := s.db.Exec(ctx, `insert into ride_requests(`+rideColumns+`) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		on conflict (id) do nothing`,
		r.RequestID, r.UserID, r.PickupLocation, r.DropLocation, r.PickupTime, r.RideCapacity,
		r.AssociatedOrderID, string(r.Status), r.DriverID, r.Discount, r.DistanceMiles, r.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetRide(ctx context.Context, id string) (*store.Ride, error) {
	return scanRide(s.db.QueryRow(ctx, `select `+rideColumns+` from ride_requests where id=$1`, id), id)
}

func (s *Store) UpdateRide(ctx context.Context, id string, fn store.RideMutation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r, err := scanRide(tx.QueryRow(ctx, `select `+rideColumns+` from ride_requests where id=$1 for update`, id), id)
	if err != nil {
		return err
	}
	events, err := fn(r)
	if errors.Is(err, store.ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `update ride_requests set status=$2, driver_id=$3, discount=$4, distance_miles=$5, updated_at=now() where id=$1`,
		id, string(r.Status), r.DriverID, r.Discount, r.DistanceMiles)
	if err != nil {
		return err
	}
	if err := enqueue(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanOrder(row pgx.Row, id string) (*store.Order, error) {
	var (
		o      store.Order
		status string
		items  []byte
		addr   []byte
	)
	err := row.Scan(&o.OrderID, &o.UserID, &o.RestaurantID, &items, &addr, &status, &o.AgentID, &o.ETAMinutes, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, urbandash.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.Status = urbandash.OrderStatus(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("order %s items: %w", id, err)
	}
	if err := json.Unmarshal(addr, &o.DeliveryAddress); err != nil {
		return nil, fmt.Errorf("order %s address: %w", id, err)
	}
	return &o, nil
}

func scanRide(row pgx.Row, id string) (*store.Ride, error) {
	var (
		r      store.Ride
		status string
	)
	err := row.Scan(&r.RequestID, &r.UserID, &r.PickupLocation, &r.DropLocation, &r.PickupTime, &r.RideCapacity,
		&r.AssociatedOrderID, &status, &r.DriverID, &r.Discount, &r.DistanceMiles, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, urbandash.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Status = urbandash.RideStatus(status)
	return &r, nil
}
