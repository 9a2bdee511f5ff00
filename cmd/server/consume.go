package main

import (
	"context"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/consumer"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/orders"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/rides"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

const (
	groupFoodOrders     = "food-order-group"
	groupRideRequests   = "ride-request-group"
	groupDeliveryStatus = "delivery-status-group"
	groupRideStatus     = "ride-status-group"
)

// subscribe starts one consumer group per topic. Each group keeps its own
// offsets, so every topic is consumed independently of the others. On error
// the groups already started are stopped.
func subscribe(ctx context.Context, rt *consumer.Runtime, oh *orders.Handler, rh *rides.Handler, log *urbandash.Logger) ([]*consumer.Subscription, error) {
	plan := []struct {
		group   string
		topic   urbandash.Topic
		handler consumer.Handler
	}{
		{groupFoodOrders, urbandash.TopicFoodOrderCreated, consumer.Typed(oh.Handle)},
		{groupRideRequests, urbandash.TopicRideRequestCreated, consumer.Typed(rh.Handle)},
		{groupDeliveryStatus, urbandash.TopicDeliveryStatusChanged, consumer.Typed(oh.HandleStatusChanged)},
		{groupRideStatus, urbandash.TopicRideStatusChanged, consumer.Typed(rh.HandleStatusChanged)},
	}
	subs := make([]*consumer.Subscription, 0, len(plan))
	for _, p := range plan {
		sub, err := rt.Subscribe(ctx, p.group, p.topic, p.handler)
		if err != nil {
			stopAll(subs, log)
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func stopAll(subs []*consumer.Subscription, log *urbandash.Logger) {
	for _, s := range subs {
		if err := s.Stop(); err != nil {
			log.Warn("consumer close failed", map[string]any{"group": s.GroupID, "err": err.Error()})
		}
	}
}
