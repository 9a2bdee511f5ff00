// Package dispatch stands in for the delivery-agent allocator, the route/ETA
// planner and the driver matcher. Every answer is a pure function of its
// input so redelivered messages get the same agent, ETA and driver.
package dispatch

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

var ErrNoCapacity = errors.New("dispatch: no candidates available")

// Pool assigns a key to one member by rendezvous hashing, so adding or
// removing a member only moves the keys that member owned.
type Pool struct {
	members []string
	r       *rendezvous.Rendezvous
}

func NewPool(members []string) *Pool {
	return &Pool{members: members, r: rendezvous.New(members, xxhash.Sum64String)}
}

func (p *Pool) Pick(key string) (string, error) {
	if len(p.members) == 0 {
		return "", ErrNoCapacity
	}
	return p.r.Lookup(key), nil
}

func (p *Pool) Size() int { return len(p.members) }

// Agents allocates delivery agents to orders.
type Agents struct {
	pool *Pool
}

func NewAgents(ids []string) *Agents { return &Agents{pool: NewPool(ids)} }

func (a *Agents) AssignAgent(ctx context.Context, orderID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return a.pool.Pick(orderID)
}

// Drivers matches ride requests to drivers.
type Drivers struct {
	pool *Pool
}

func NewDrivers(ids []string) *Drivers { return &Drivers{pool: NewPool(ids)} }

func (d *Drivers) MatchDriver(ctx context.Context, requestID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.pool.Pick(requestID)
}

// Planner estimates delivery time: kitchen preparation plus transit.
type Planner struct {
	PrepMinutes    int
	PerItemMinutes int
	TransitMinutes int
}

func DefaultPlanner() Planner {
	return Planner{PrepMinutes: 15, PerItemMinutes: 2, TransitMinutes: 20}
}

func (p Planner) EstimateETA(ctx context.Context, restaurantID string, items []urbandash.OrderItem, to urbandash.Address) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return p.PrepMinutes + p.PerItemMinutes*n + p.TransitMinutes, nil
}
