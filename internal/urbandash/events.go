package urbandash

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Topic names a durable, partitioned log on the broker.
type Topic string

const (
	TopicFoodOrderCreated      Topic = "food-order-created"
	TopicRideRequestCreated    Topic = "ride-request-created"
	TopicDeliveryStatusChanged Topic = "delivery-status-changed"
	TopicRideStatusChanged     Topic = "ride-status-changed"
)

// Topics returns the fixed set of topics the pipeline publishes to.
func Topics() []Topic {
	return []Topic{
		TopicFoodOrderCreated,
		TopicRideRequestCreated,
		TopicDeliveryStatusChanged,
		TopicRideStatusChanged,
	}
}

// Valid reports whether t is one of the enumerated topics.
func (t Topic) Valid() bool {
	for _, known := range Topics() {
		if t == known {
			return true
		}
	}
	return false
}

// DeadLetter is the topic that receives messages of t that could not be handled.
func (t Topic) DeadLetter() Topic { return t + ".dlq" }

// Kind is the event type carried by messages of t.
func (t Topic) Kind() EventKind {
	switch t {
	case TopicFoodOrderCreated:
		return KindFoodOrderCreated
	case TopicRideRequestCreated:
		return KindRideRequestCreated
	case TopicDeliveryStatusChanged:
		return KindDeliveryStatusChanged
	case TopicRideStatusChanged:
		return KindRideStatusChanged
	}
	return ""
}

type EventKind string

const (
	KindFoodOrderCreated      EventKind = "FoodOrderCreated"
	KindRideRequestCreated    EventKind = "RideRequestCreated"
	KindDeliveryStatusChanged EventKind = "DeliveryStatusChanged"
	KindRideStatusChanged     EventKind = "RideStatusChanged"
)

// Event is the envelope written as the value of every message.
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventKind `json:"type"`
	Payload   T         `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Payload is implemented by every event body.
type Payload interface {
	Topic() Topic
	// Key is the partition key; all events of one order or ride share it.
	Key() string
	Validate() error
}

// DecodeEvent parses a message value into a typed envelope. Values that do not
// parse, or that carry a different event type, are permanent failures.
func DecodeEvent[T Payload](value []byte) (Event[T], error) {
	var ev Event[T]
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, Permanent(fmt.Errorf("%w: %v", ErrSerialization, err))
	}
	if want := ev.Payload.Topic().Kind(); ev.Type != want {
		return ev, Permanent(fmt.Errorf("%w: event type %q, want %q", ErrSerialization, ev.Type, want))
	}
	if err := ev.Payload.Validate(); err != nil {
		return ev, Permanent(err)
	}
	return ev, nil
}

type OrderItem struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// Subtotal sums price times quantity over items.
func Subtotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Address is a delivery address. On the wire it is either a free-form string
// or an object with street, city, zipCode and notes.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (a *Address) UnmarshalJSON(b []byte) error {
	var line string
	if err := json.Unmarshal(b, &line); err == nil {
		*a = Address{Street: strings.TrimSpace(line)}
		return nil
	}
	type plain Address
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = Address(p)
	return nil
}

// String renders the address as a single line, the form handed to geocoding.
func (a Address) String() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(a.Street); s != "" {
		parts = append(parts, s)
	}
	locality := strings.TrimSpace(strings.TrimSpace(a.City) + " " + strings.TrimSpace(a.ZipCode))
	if locality != "" {
		parts = append(parts, locality)
	}
	return strings.Join(parts, ", ")
}

func (a Address) IsZero() bool { return a.String() == "" }

type FoodOrderCreated struct {
	OrderID         string      `json:"orderId"`
	UserID          string      `json:"userId"`
	Items           []OrderItem `json:"items"`
	RestaurantID    string      `json:"restaurantId"`
	DeliveryAddress Address     `json:"deliveryAddress"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
}

func (FoodOrderCreated) Topic() Topic { return TopicFoodOrderCreated }
func (o FoodOrderCreated) Key() string { return o.OrderID }

func (o FoodOrderCreated) Validate() error {
	var missing []string
	if o.OrderID == "" {
		missing = append(missing, "orderId")
	}
	if o.UserID == "" {
		missing = append(missing, "userId")
	}
	if o.RestaurantID == "" {
		missing = append(missing, "restaurantId")
	}
	if len(o.Items) == 0 {
		missing = append(missing, "items")
	}
	if o.DeliveryAddress.IsZero() {
		missing = append(missing, "deliveryAddress")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: food order missing %s", ErrSerialization, strings.Join(missing, ", "))
	}
	for i, it := range o.Items {
		if it.Quantity <= 0 || it.Price.IsNegative() {
			return fmt.Errorf("%w: food order item %d invalid", ErrSerialization, i)
		}
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: food order status %q", ErrSerialization, o.Status)
	}
	return nil
}

type RideRequestCreated struct {
	RequestID         string     `json:"requestId"`
	UserID            string     `json:"userId"`
	PickupLocation    string     `json:"pickupLocation"`
	DropLocation      string     `json:"dropLocation"`
	PickupTime        string     `json:"pickupTime"`
	RideCapacity      int        `json:"rideCapacity"`
	AssociatedOrderID *string    `json:"associatedOrderId"`
	Status            RideStatus `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func (RideRequestCreated) Topic() Topic { return TopicRideRequestCreated }
func (r RideRequestCreated) Key() string { return r.RequestID }

// AssociatedOrder returns the linked order id, or "" for a standalone ride.
func (r RideRequestCreated) AssociatedOrder() string {
	if r.AssociatedOrderID == nil {
		return ""
	}
	return *r.AssociatedOrderID
}

func (r RideRequestCreated) Validate() error {
	var missing []string
	if r.RequestID == "" {
		missing = append(missing, "requestId")
	}
	if r.UserID == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(r.PickupLocation) == "" {
		missing = append(missing, "pickupLocation")
	}
	if strings.TrimSpace(r.DropLocation) == "" {
		missing = append(missing, "dropLocation")
	}
	if r.PickupTime == "" {
		missing = append(missing, "pickupTime")
	}
	// The correlation window is measured from createdAt.
	if r.CreatedAt.IsZero() {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: ride request missing %s", ErrSerialization, strings.Join(missing, ", "))
	}
	if r.RideCapacity < 1 || r.RideCapacity > 4 {
		return fmt.Errorf("%w: ride capacity %d outside 1..4", ErrSerialization, r.RideCapacity)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: ride status %q", ErrSerialization, r.Status)
	}
	return nil
}

type DeliveryStatusChanged struct {
	OrderID        string      `json:"orderId"`
	Status         OrderStatus `json:"status"`
	PreviousStatus OrderStatus `json:"previousStatus,omitempty"`
	AgentID        string      `json:"agentId,omitempty"`
	ETAMinutes     int         `json:"etaMinutes,omitempty"`
	ChangedAt      time.Time   `json:"changedAt"`
}

func (DeliveryStatusChanged) Topic() Topic { return TopicDeliveryStatusChanged }
func (d DeliveryStatusChanged) Key() string { return d.OrderID }

func (d DeliveryStatusChanged) Validate() error {
	if d.OrderID == "" {
		return fmt.Errorf("%w: delivery status missing orderId", ErrSerialization)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: delivery status %q", ErrSerialization, d.Status)
	}
	return nil
}

type RideStatusChanged struct {
	RequestID      string     `json:"requestId"`
	Status         RideStatus `json:"status"`
	PreviousStatus RideStatus `json:"previousStatus,omitempty"`
	DriverID       string     `json:"driverId,omitempty"`
	Discount       int        `json:"discount"`
	DistanceMiles  *float64   `json:"distanceMiles,omitempty"`
	ChangedAt      time.Time  `json:"changedAt"`
}

func (RideStatusChanged) Topic() Topic { return TopicRideStatusChanged }
func (r RideStatusChanged) Key() string { return r.RequestID }

func (r RideStatusChanged) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: ride status missing requestId", ErrSerialization)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: ride status %q", ErrSerialization, r.Status)
	}
	return nil
}
