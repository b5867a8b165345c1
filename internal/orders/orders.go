package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/auth"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/pkg/response"
)

// Service exposes orders to the admin API
type Service struct {
	db      *Database
	machine *StateMachine
}

// NewService creates a new order service backed by the given state machine
func NewService(gormDB *gorm.DB, machine *StateMachine) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		machine: machine,
	}
}

// GetOrder retrieves an order by its external ID
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.db.GetOrder(ctx, txscope.None(), orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// ListStatusEvents returns the audit trail of an order, oldest first
func (s *Service) ListStatusEvents(ctx context.Context, orderID string) ([]StatusEvent, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.db.ListStatusEvents(ctx, orderID)
}

// ListByPaymentIntent returns the order holding a provider reference and any
// orders flagged against it after a buyer mismatch
func (s *Service) ListByPaymentIntent(ctx context.Context, ref string) ([]Order, error) {
	return s.db.ListByPaymentIntent(ctx, ref)
}

// Transition applies an admin-requested status change
func (s *Service) Transition(ctx context.Context, orderID string, req TransitionRequest, adminID string) (*Order, error) {
	reason := req.Reason
	if reason == "" {
		reason = ReasonAdminUpdate
	}
	return s.machine.Transition(ctx, txscope.None(), orderID, Status(req.Status), reason, auth.AdminActor(adminID))
}

// GinHandlers contains HTTP handlers for admin order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetOrderHandler handles GET /admin/orders/:order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// ListStatusEventsHandler handles GET /admin/orders/:order_id/events
func (h *GinHandlers) ListStatusEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := h.service.ListStatusEvents(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, events, err)
	}
}

// ListOrdersHandler handles GET /admin/orders?payment_intent=...
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Query("payment_intent")
		if ref == "" {
			response.BadRequest(c, "payment_intent query parameter is required")
			return
		}
		orders, err := h.service.ListByPaymentIntent(c.Request.Context(), ref)
		response.Handle(c, orders, err)
	}
}

// TransitionHandler handles POST /admin/orders/:order_id/transition
func (h *GinHandlers) TransitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID := auth.AdminID(c)
		if adminID == "" {
			response.Unauthorized(c, "Missing admin identity")
			return
		}

		var req TransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.Transition(c.Request.Context(), c.Param("order_id"), req, adminID)
		if errors.Is(err, ErrUnknownStatus) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}
