package postgres

import (
	"context"
)

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists food_orders(
			id text primary key,
			user_id text not null,
			restaurant_id text not null,
			items jsonb not null,
			delivery_address jsonb not null,
			status text not null,
			agent_id text not null default '',
			eta_minutes int not null default 0,
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create table if not exists ride_requests(
			id text primary key,
			user_id text not null,
			pickup_location text not null,
			drop_location text not null,
			pickup_time text not null,
			ride_capacity int not null,
			associated_order_id text not null default '',
			status text not null,
			driver_id text not null default '',
			discount int not null default 0,
			distance_miles double precision null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create index if not exists ride_requests_order_idx on ride_requests(associated_order_id)`,
		`create table if not exists outbox(
			id bigserial primary key,
			topic text not null,
			msg_key text not null,
			payload jsonb not null,
			status text not null,
			created_at timestamptz not null,
			published_at timestamptz null
		)`,
		`create index if not exists outbox_pending_idx on outbox(id) where status='PENDING'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
