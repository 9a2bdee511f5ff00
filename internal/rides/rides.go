// Package rides consumes ride requests, correlates each with the food order it
// names and prices the ride by how close its pickup is to that order's
// delivery address.
package rides

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/geo"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/metrics"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// Distancer returns the miles between two addresses. It must depend only on
// its inputs.
type Distancer interface {
	Distance(ctx context.Context, a, b string) (float64, error)
}

// Matcher assigns a driver to a ride request.
type Matcher interface {
	MatchDriver(ctx context.Context, requestID string) (string, error)
}

type Handler struct {
	store    store.Store
	distance Distancer
	matcher  Matcher
	window   time.Duration
	log      *urbandash.Logger
	now      func() time.Time
}

// NewHandler builds a ride handler. window bounds how long a ride waits for its
// associated order to become visible before it is priced as standalone.
func NewHandler(s store.Store, d Distancer, m Matcher, window time.Duration, log *urbandash.Logger) *Handler {
	return &Handler{
		store:    s,
		distance: d,
		matcher:  m,
		window:   window,
		log:      log.With("component", "rides"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type pricing struct {
	discount int
	miles    *float64
}

// Handle processes RideRequestCreated. A ride already past PENDING is left
// alone, so redelivery never recomputes its discount.
func (h *Handler) Handle(ctx context.Context, ev urbandash.RideRequestCreated) error {
	if _, err := h.store.CreateRide(ctx, store.RideFromEvent(ev, h.now())); err != nil {
		return fmt.Errorf("record ride %s: %w", ev.RequestID, err)
	}
	ride, err := h.store.GetRide(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	if ride.Status != urbandash.RidePending {
		h.log.Info("ride already processed", map[string]any{"request_id": ride.RequestID, "status": string(ride.Status)})
		return nil
	}

	price, err := h.correlate(ctx, ride)
	if err != nil {
		return err
	}
	driver, err := h.matcher.MatchDriver(ctx, ride.RequestID)
	if err != nil {
		return fmt.Errorf("match driver for %s: %w", ride.RequestID, err)
	}
	return h.match(ctx, ride.RequestID, driver, price)
}

// correlate prices the ride against its associated order. A missing order is
// retried until the correlation window closes.
func (h *Handler) correlate(ctx context.Context, ride *store.Ride) (pricing, error) {
	if ride.AssociatedOrderID == "" {
		return pricing{}, nil
	}
	fields := map[string]any{"request_id": ride.RequestID, "order_id": ride.AssociatedOrderID}

	order, err := h.store.GetOrder(ctx, ride.AssociatedOrderID)
	if errors.Is(err, urbandash.ErrNotFound) {
		if h.now().Sub(ride.CreatedAt) < h.window {
			return pricing{}, fmt.Errorf("%w: order %s not visible for ride %s", urbandash.ErrCorrelationLookup, ride.AssociatedOrderID, ride.RequestID)
		}
		h.log.Warn("associated order never appeared, pricing ride as standalone", fields)
		return pricing{}, nil
	}
	if err != nil {
		return pricing{}, err
	}
	if order.Status == urbandash.OrderCancelled {
		h.log.Info("associated order cancelled, no route discount", fields)
		return pricing{}, nil
	}

	miles, err := h.distance.Distance(ctx, ride.PickupLocation, order.DeliveryAddress.String())
	if errors.Is(err, geo.ErrUnresolvable) {
		h.log.Warn("pickup or delivery address unresolvable, no route discount", merge(fields, "err", err.Error()))
		return pricing{}, nil
	}
	if err != nil {
		return pricing{}, fmt.Errorf("distance for ride %s: %w", ride.RequestID, err)
	}
	return pricing{discount: Discount(miles), miles: &miles}, nil
}

func (h *Handler) match(ctx context.Context, id, driver string, price pricing) error {
	changedAt := h.now()
	applied := false
	err := h.store.UpdateRide(ctx, id, func(r *store.Ride) ([]store.OutboxEvent, error) {
		if r.Status != urbandash.RidePending {
			return nil, store.ErrUnchanged
		}
		msg, err := urbandash.Encode(urbandash.TopicRideStatusChanged, urbandash.RideStatusChanged{
			RequestID:      r.RequestID,
			Status:         urbandash.RideMatched,
			PreviousStatus: r.Status,
			DriverID:       driver,
			Discount:       price.discount,
			DistanceMiles:  price.miles,
			ChangedAt:      changedAt,
		})
		if err != nil {
			return nil, err
		}
		r.Status = urbandash.RideMatched
		r.DriverID = driver
		r.Discount = price.discount
		r.DistanceMiles = price.miles
		applied = true
		return []store.OutboxEvent{store.OutboxFromMessage(msg)}, nil
	})
	if err != nil {
		return fmt.Errorf("match ride %s: %w", id, err)
	}
	if applied {
		metrics.DiscountsComputed.WithLabelValues(strconv.Itoa(price.discount)).Inc()
		fields := map[string]any{"request_id": id, "driver_id": driver, "discount": price.discount}
		if price.miles != nil {
			fields["distance_miles"] = *price.miles
		}
		h.log.Info("ride matched", fields)
	}
	return nil
}

// HandleStatusChanged applies a RideStatusChanged event with the same rules as
// delivery status events.
func (h *Handler) HandleStatusChanged(ctx context.Context, ev urbandash.RideStatusChanged) error {
	var from urbandash.RideStatus
	closed := false
	err := h.store.UpdateRide(ctx, ev.RequestID, func(r *store.Ride) ([]store.OutboxEvent, error) {
		from = r.Status
		if r.Status == ev.Status {
			return nil, store.ErrUnchanged
		}
		if r.Status.Terminal() {
			closed = true
			return nil, fmt.Errorf("%w: ride already %s", urbandash.ErrInvalidTransition, r.Status)
		}
		if !r.Status.CanTransition(ev.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", urbandash.ErrInvalidTransition, r.Status, ev.Status)
		}
		r.Status = ev.Status
		if ev.DriverID != "" {
			r.DriverID = ev.DriverID
		}
		return nil, nil
	})
	switch {
	case errors.Is(err, urbandash.ErrInvalidTransition):
		fields := map[string]any{"request_id": ev.RequestID, "status": string(ev.Status), "err": err.Error()}
		if closed {
			h.log.Info("ride status ignored, ride closed", fields)
		} else {
			h.log.Warn("ride status ignored", fields)
		}
		return nil
	case errors.Is(err, urbandash.ErrNotFound):
		return fmt.Errorf("%w: ride %s", urbandash.ErrCorrelationLookup, ev.RequestID)
	case err != nil:
		return err
	}
	if from != ev.Status {
		h.log.Info("ride status updated", map[string]any{"request_id": ev.RequestID, "from": string(from), "status": string(ev.Status)})
	}
	return nil
}

func merge(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
