// Package api is the HTTP boundary: it turns food-order and ride-request
// submissions into events. Publishing degrades rather than fails: when the
// broker cannot take an event the request still succeeds, the event is parked
// in the outbox for relay, and the response says published=false.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/metrics"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// UserHeader carries the caller's id, set by the gateway after authentication.
const UserHeader = "X-User-ID"

type Publisher interface {
	Send(ctx context.Context, msg kafka.Message) (urbandash.Ack, error)
}

type Records interface {
	GetOrder(ctx context.Context, id string) (*store.Order, error)
	GetRide(ctx context.Context, id string) (*store.Ride, error)
	Enqueue(ctx context.Context, events ...store.OutboxEvent) error
}

type Server struct {
	pub     Publisher
	records Records
	ready   func() bool
	log     *urbandash.Logger
	now     func() time.Time
}

func New(pub Publisher, records Records, ready func() bool, log *urbandash.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		pub:     pub,
		records: records,
		ready:   ready,
		log:     log.With("component", "api"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/food-orders", s.createFoodOrder)
		r.Get("/food-orders/{orderId}", s.getFoodOrder)
		r.Post("/food-orders/{orderId}/status", s.updateDeliveryStatus)
		r.Post("/ride-requests", s.createRideRequest)
		r.Get("/ride-requests/{requestId}", s.getRideRequest)
		r.Post("/ride-requests/{requestId}/status", s.updateRideStatus)
	})
	return r
}

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No user, authorization denied"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userID(ctx context.Context) string {
	u, _ := ctx.Value(ctxKey{}).(string)
	return u
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createFoodOrderRequest struct {
	Items           []urbandash.OrderItem `json:"items"`
	RestaurantID    string                `json:"restaurantId"`
	DeliveryAddress urbandash.Address     `json:"deliveryAddress"`
}

func (s *Server) createFoodOrder(w http.ResponseWriter, r *http.Request) {
	var req createFoodOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json"})
		return
	}
	order := urbandash.FoodOrderCreated{
		OrderID:         "ORDER-" + uuid.NewString(),
		UserID:          userID(r.Context()),
		Items:           req.Items,
		RestaurantID:    req.RestaurantID,
		DeliveryAddress: req.DeliveryAddress,
		Status:          urbandash.OrderPending,
		CreatedAt:       s.now(),
	}
	if err := order.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	published := s.publish(r.Context(), order)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"message":   createdMessage("Food order", published),
		"order":     order,
		"published": published,
	})
}

type createRideRequest struct {
	PickupLocation    string  `json:"pickupLocation"`
	DropLocation      string  `json:"dropLocation"`
	PickupTime        string  `json:"pickupTime"`
	RideCapacity      int     `json:"rideCapacity"`
	AssociatedOrderID *string `json:"associatedOrderId"`
}

func (s *Server) createRideRequest(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json"})
		return
	}
	if req.AssociatedOrderID != nil && strings.TrimSpace(*req.AssociatedOrderID) == "" {
		req.AssociatedOrderID = nil
	}
	ride := urbandash.RideRequestCreated{
		RequestID:         "RIDE-" + uuid.NewString(),
		UserID:            userID(r.Context()),
		PickupLocation:    req.PickupLocation,
		DropLocation:      req.DropLocation,
		PickupTime:        req.PickupTime,
		RideCapacity:      req.RideCapacity,
		AssociatedOrderID: req.AssociatedOrderID,
		Status:            urbandash.RidePending,
		CreatedAt:         s.now(),
	}
	if err := ride.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	published := s.publish(r.Context(), ride)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"message":     createdMessage("Ride request", published),
		"rideRequest": ride,
		"published":   published,
	})
}

func (s *Server) getFoodOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.records.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if s.lookupFailed(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "subtotal": o.Subtotal()})
}

func (s *Server) getRideRequest(w http.ResponseWriter, r *http.Request) {
	ride, err := s.records.GetRide(r.Context(), chi.URLParam(r, "requestId"))
	if s.lookupFailed(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rideRequest": ride})
}

type statusRequest struct {
	Status     string `json:"status"`
	AgentID    string `json:"agentId,omitempty"`
	DriverID   string `json:"driverId,omitempty"`
	ETAMinutes int    `json:"etaMinutes,omitempty"`
}

func (s *Server) updateDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json"})
		return
	}
	ev := urbandash.DeliveryStatusChanged{
		OrderID:    chi.URLParam(r, "orderId"),
		Status:     urbandash.OrderStatus(strings.ToUpper(req.Status)),
		AgentID:    req.AgentID,
		ETAMinutes: req.ETAMinutes,
		ChangedAt:  s.now(),
	}
	if err := ev.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	if !ev.Status.Manual() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("status %s is set by order processing", ev.Status)})
		return
	}
	if o, err := s.records.GetOrder(r.Context(), ev.OrderID); err == nil && o.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{"message": fmt.Sprintf("order is already %s", o.Status)})
		return
	}
	published := s.publish(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": ev, "published": published})
}

func (s *Server) updateRideStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json"})
		return
	}
	ev := urbandash.RideStatusChanged{
		RequestID: chi.URLParam(r, "requestId"),
		Status:    urbandash.RideStatus(strings.ToUpper(req.Status)),
		DriverID:  req.DriverID,
		ChangedAt: s.now(),
	}
	if err := ev.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	if !ev.Status.Manual() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("status %s is set by ride matching", ev.Status)})
		return
	}
	// Status events carry the discount already stored on the ride.
	if ride, err := s.records.GetRide(r.Context(), ev.RequestID); err == nil {
		if ride.Status.Terminal() {
			writeJSON(w, http.StatusConflict, map[string]any{"message": fmt.Sprintf("ride is already %s", ride.Status)})
			return
		}
		ev.Discount = ride.Discount
	}
	published := s.publish(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": ev, "published": published})
}

// publish sends p and reports whether the broker acknowledged it. On failure
// the encoded message is parked in the outbox.
func (s *Server) publish(ctx context.Context, p urbandash.Payload) bool {
	msg, err := urbandash.Encode(p.Topic(), p)
	if err != nil {
		s.log.Error("event encode failed", map[string]any{"topic": string(p.Topic()), "key": p.Key(), "err": err.Error()})
		return false
	}
	_, err = s.pub.Send(ctx, msg)
	if err == nil {
		return true
	}
	s.log.Warn("event publish failed, parking in outbox", map[string]any{"topic": msg.Topic, "key": p.Key(), "err": err.Error()})

	// The request context may already be done; parking must still happen.
	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.records.Enqueue(parkCtx, store.OutboxFromMessage(msg)); err != nil {
		s.log.Error("outbox park failed, event lost", map[string]any{"topic": msg.Topic, "key": p.Key(), "err": err.Error()})
	}
	return false
}

func (s *Server) lookupFailed(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, urbandash.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
	default:
		s.log.Error("record lookup failed", map[string]any{"err": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Server error"})
	}
	return true
}

func createdMessage(what string, published bool) string {
	if published {
		return what + " created and published to event stream"
	}
	return what + " created, event sync pending"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
