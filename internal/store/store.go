// Package store persists order and ride records and the outbox of events
// announcing their state changes. A record update and the events it emits are
// committed in one transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// ErrUnchanged is returned by a mutation to leave the record as it was.
var ErrUnchanged = errors.New("record unchanged")

type Order struct {
	OrderID         string                `json:"orderId"`
	UserID          string                `json:"userId"`
	RestaurantID    string                `json:"restaurantId"`
	Items           []urbandash.OrderItem `json:"items"`
	DeliveryAddress urbandash.Address     `json:"deliveryAddress"`
	Status          urbandash.OrderStatus `json:"status"`
	AgentID         string                `json:"agentId,omitempty"`
	ETAMinutes      int                   `json:"etaMinutes,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

func (o *Order) Subtotal() decimal.Decimal { return urbandash.Subtotal(o.Items) }

// OrderFromEvent builds the initial record for a created order.
func OrderFromEvent(ev urbandash.FoodOrderCreated, now time.Time) *Order {
	return &Order{
		OrderID:         ev.OrderID,
		UserID:          ev.UserID,
		RestaurantID:    ev.RestaurantID,
		Items:           ev.Items,
		DeliveryAddress: ev.DeliveryAddress,
		Status:          urbandash.OrderPending,
		CreatedAt:       ev.CreatedAt,
		UpdatedAt:       now,
	}
}

type Ride struct {
	RequestID         string               `json:"requestId"`
	UserID            string               `json:"userId"`
	PickupLocation    string               `json:"pickupLocation"`
	DropLocation      string               `json:"dropLocation"`
	PickupTime        string               `json:"pickupTime"`
	RideCapacity      int                  `json:"rideCapacity"`
	AssociatedOrderID string               `json:"associatedOrderId,omitempty"`
	Status            urbandash.RideStatus `json:"status"`
	DriverID          string               `json:"driverId,omitempty"`
	Discount          int                  `json:"discount"`
	DistanceMiles     *float64             `json:"distanceMiles,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// Fare applies the ride's discount percent to base.
func (r *Ride) Fare(base decimal.Decimal) decimal.Decimal {
	return base.Mul(decimal.NewFromInt(int64(100 - r.Discount))).Div(decimal.NewFromInt(100)).Round(2)
}

// RideFromEvent builds the initial record for a ride request: pending, no discount.
func RideFromEvent(ev urbandash.RideRequestCreated, now time.Time) *Ride {
	return &Ride{
		RequestID:         ev.RequestID,
		UserID:            ev.UserID,
		PickupLocation:    ev.PickupLocation,
		DropLocation:      ev.DropLocation,
		PickupTime:        ev.PickupTime,
		RideCapacity:      ev.RideCapacity,
		AssociatedOrderID: ev.AssociatedOrder(),
		Status:            urbandash.RidePending,
		CreatedAt:         ev.CreatedAt,
		UpdatedAt:         now,
	}
}

// OutboxEvent is an encoded message waiting to be relayed to the broker.
type OutboxEvent struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// OutboxFromMessage captures an encoded message for later relay.
func OutboxFromMessage(m kafka.Message) OutboxEvent {
	return OutboxEvent{Topic: m.Topic, Key: string(m.Key), Payload: m.Value, CreatedAt: m.Time}
}

// Message turns the row back into a broker message.
func (e OutboxEvent) Message() kafka.Message {
	return kafka.Message{Topic: e.Topic, Key: []byte(e.Key), Value: e.Payload, Time: e.CreatedAt}
}

// OrderMutation edits o inside a transaction and returns the events to enqueue
// alongside the change.
type OrderMutation func(o *Order) ([]OutboxEvent, error)

type RideMutation func(r *Ride) ([]OutboxEvent, error)

type Store interface {
	// CreateOrder inserts o unless a record with the same id exists. It
	// reports whether a record was inserted.
	CreateOrder(ctx context.Context, o *Order) (bool, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, id string, fn OrderMutation) error

	CreateRide(ctx context.Context, r *Ride) (bool, error)
	GetRide(ctx context.Context, id string) (*Ride, error)
	UpdateRide(ctx context.Context, id string, fn RideMutation) error

	Enqueue(ctx context.Context, events ...OutboxEvent) error
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64) error

	Close() error
}
