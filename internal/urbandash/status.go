package urbandash

// OrderStatus is the lifecycle state of a food order.
type OrderStatus string

const (
	OrderPending        OrderStatus = "PENDING"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderPreparing      OrderStatus = "PREPARING"
	OrderOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderDelivered      OrderStatus = "DELIVERED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:        {OrderConfirmed: true, OrderCancelled: true},
	OrderConfirmed:      {OrderPreparing: true, OrderCancelled: true},
	OrderPreparing:      {OrderOutForDelivery: true, OrderCancelled: true},
	OrderOutForDelivery: {OrderDelivered: true},
	OrderDelivered:      {},
	OrderCancelled:      {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// Manual reports whether s may be requested from outside the pipeline. PENDING
// and CONFIRMED are set only by order handling.
func (s OrderStatus) Manual() bool {
	return s.Valid() && s != OrderPending && s != OrderConfirmed
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return orderTransitions[s][next]
}

// RideStatus is the lifecycle state of a ride request.
type RideStatus string

const (
	RidePending    RideStatus = "PENDING"
	RideMatched    RideStatus = "MATCHED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

var rideTransitions = map[RideStatus]map[RideStatus]bool{
	RidePending:    {RideMatched: true, RideCancelled: true},
	RideMatched:    {RideInProgress: true, RideCancelled: true},
	RideInProgress: {RideCompleted: true},
	RideCompleted:  {},
	RideCancelled:  {},
}

func (s RideStatus) Valid() bool {
	_, ok := rideTransitions[s]
	return ok
}

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Manual reports whether s may be requested from outside the pipeline. MATCHED
// carries the correlation discount and is set only by ride handling.
func (s RideStatus) Manual() bool {
	return s.Valid() && s != RidePending && s != RideMatched
}

func (s RideStatus) CanTransition(next RideStatus) bool {
	return rideTransitions[s][next]
}
