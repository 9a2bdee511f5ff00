// Package orders consumes food-order events. A created order is recorded,
// planned, assigned a delivery agent and confirmed; later delivery status
// events walk it through the rest of its lifecycle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// Allocator assigns a delivery agent to an order.
type Allocator interface {
	AssignAgent(ctx context.Context, orderID string) (string, error)
}

// Router estimates delivery time in minutes.
type Router interface {
	EstimateETA(ctx context.Context, restaurantID string, items []urbandash.OrderItem, to urbandash.Address) (int, error)
}

type Handler struct {
	store     store.Store
	allocator Allocator
	router    Router
	log       *urbandash.Logger
	now       func() time.Time
}

func NewHandler(s store.Store, allocator Allocator, router Router, log *urbandash.Logger) *Handler {
	return &Handler{
		store:     s,
		allocator: allocator,
		router:    router,
		log:       log.With("component", "orders"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes FoodOrderCreated. Redelivery of an order that is already
// past PENDING does nothing.
func (h *Handler) Handle(ctx context.Context, ev urbandash.FoodOrderCreated) error {
	if _, err := h.store.CreateOrder(ctx, store.OrderFromEvent(ev, h.now())); err != nil {
		return fmt.Errorf("record order %s: %w", ev.OrderID, err)
	}
	o, err := h.store.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if o.Status != urbandash.OrderPending {
		h.log.Info("order already processed", map[string]any{"order_id": o.OrderID, "status": string(o.Status)})
		return nil
	}

	eta, err := h.router.EstimateETA(ctx, o.RestaurantID, o.Items, o.DeliveryAddress)
	if err != nil {
		return fmt.Errorf("plan route for %s: %w", o.OrderID, err)
	}
	agent, err := h.allocator.AssignAgent(ctx, o.OrderID)
	if err != nil {
		return fmt.Errorf("assign agent for %s: %w", o.OrderID, err)
	}

	changedAt := h.now()
	applied := false
	err = h.store.UpdateOrder(ctx, o.OrderID, func(o *store.Order) ([]store.OutboxEvent, error) {
		if o.Status != urbandash.OrderPending {
			return nil, store.ErrUnchanged
		}
		msg, err := urbandash.Encode(urbandash.TopicDeliveryStatusChanged, urbandash.DeliveryStatusChanged{
			OrderID:        o.OrderID,
			Status:         urbandash.OrderConfirmed,
			PreviousStatus: o.Status,
			AgentID:        agent,
			ETAMinutes:     eta,
			ChangedAt:      changedAt,
		})
		if err != nil {
			return nil, err
		}
		o.Status = urbandash.OrderConfirmed
		o.AgentID = agent
		o.ETAMinutes = eta
		applied = true
		return []store.OutboxEvent{store.OutboxFromMessage(msg)}, nil
	})
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", o.OrderID, err)
	}
	if !applied {
		return nil
	}
	h.log.Info("order confirmed", map[string]any{"order_id": o.OrderID, "agent_id": agent, "eta_minutes": eta})
	return nil
}

// HandleStatusChanged applies a DeliveryStatusChanged event. Re-applying the
// current status is a no-op; a transition the lifecycle forbids is logged and
// dropped, since redelivery cannot make it legal.
func (h *Handler) HandleStatusChanged(ctx context.Context, ev urbandash.DeliveryStatusChanged) error {
	var from urbandash.OrderStatus
	closed := false
	err := h.store.UpdateOrder(ctx, ev.OrderID, func(o *store.Order) ([]store.OutboxEvent, error) {
		from = o.Status
		if o.Status == ev.Status {
			return nil, store.ErrUnchanged
		}
		if o.Status.Terminal() {
			closed = true
			return nil, fmt.Errorf("%w: order already %s", urbandash.ErrInvalidTransition, o.Status)
		}
		if !o.Status.CanTransition(ev.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", urbandash.ErrInvalidTransition, o.Status, ev.Status)
		}
		o.Status = ev.Status
		if ev.AgentID != "" {
			o.AgentID = ev.AgentID
		}
		if ev.ETAMinutes > 0 {
			o.ETAMinutes = ev.ETAMinutes
		}
		return nil, nil
	})
	switch {
	case errors.Is(err, urbandash.ErrInvalidTransition):
		fields := map[string]any{"order_id": ev.OrderID, "status": string(ev.Status), "err": err.Error()}
		if closed {
			h.log.Info("delivery status ignored, order closed", fields)
		} else {
			h.log.Warn("delivery status ignored", fields)
		}
		return nil
	case errors.Is(err, urbandash.ErrNotFound):
		// The created event may not have been consumed yet.
		return fmt.Errorf("%w: order %s", urbandash.ErrCorrelationLookup, ev.OrderID)
	case err != nil:
		return err
	}
	if from != ev.Status {
		h.log.Info("order status updated", map[string]any{"order_id": ev.OrderID, "from": string(from), "status": string(ev.Status)})
	}
	return nil
}
