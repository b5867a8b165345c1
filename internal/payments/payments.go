package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/provider"
	"github.com/ksred/paysync-api/internal/txscope"
	"github.com/ksred/paysync-api/internal/types"
	"github.com/ksred/paysync-api/pkg/response"
)

var (
	ErrPaymentNotFound = fmt.Errorf("payment %w", types.ErrNotFound)
	ErrNotRefundable   = fmt.Errorf("refund not allowed: %w", types.ErrInvalidTransition)
)

// NewPaymentID returns an internal payment identifier.
func NewPaymentID() string {
	return "PAY_" + uuid.New().String()
}

// Service handles scheduled payment creation, lookups and admin refunds
type Service struct {
	db     *Database
	client provider.Client
}

func NewService(gormDB *gorm.DB, client provider.Client) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		client: client,
	}
}

// SchedulePayment stores a pending payment for the executor to charge once its
// scheduled date arrives
func (s *Service) SchedulePayment(ctx context.Context, req ScheduleRequest) (*Payment, error) {
	scheduled := req.ScheduledDate.UTC()
	payment := &Payment{
		PaymentID:     NewPaymentID(),
		CustomerID:    req.CustomerID,
		Amount:        req.Amount,
		Currency:      strings.ToLower(req.Currency),
		Status:        types.PaymentPending,
		ScheduledDate: &scheduled,
	}
	if req.OrderID != "" {
		payment.OrderID = &req.OrderID
	}
	if req.InvoiceID != "" {
		payment.InvoiceID = &req.InvoiceID
	}

	if err := s.db.CreatePayment(ctx, txscope.None(), payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// GetPayment retrieves a payment by its internal ID
func (s *Service) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	payment, err := s.db.GetPayment(ctx, txscope.None(), paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	return payment, nil
}

// RefundPayment asks the provider for a refund. The payment is not changed
// here; the charge.refunded event that follows records the refund.
func (s *Service) RefundPayment(ctx context.Context, paymentID string, req RefundRequest) (*provider.Refund, error) {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != types.PaymentSucceeded && payment.Status != types.PaymentPartiallyRefunded {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrNotRefundable, paymentID, payment.Status)
	}
	if payment.ProviderRef() == "" {
		return nil, fmt.Errorf("%w: payment %s has no provider reference", ErrNotRefundable, paymentID)
	}

	remaining := payment.Amount - payment.AmountRefunded
	amount := req.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("%w: amount %d exceeds the %d left on payment %s", ErrNotRefundable, amount, remaining, paymentID)
	}

	// a retry before the refund event lands reuses the key
	refund, err := s.client.CreateRefund(ctx, provider.RefundParams{
		PaymentIntent:  payment.ProviderRef(),
		Amount:         amount,
		Reason:         req.Reason,
		IdempotencyKey: fmt.Sprintf("%s:refund:%d", paymentID, payment.AmountRefunded+amount),
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("payment_id", paymentID).
		Str("refund_id", refund.ID).
		Int64("amount", refund.Amount).
		Msg("Refund requested")
	return refund, nil
}

// GinHandlers contains HTTP handlers for admin payment endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SchedulePaymentHandler handles POST /admin/payments/scheduled
func (h *GinHandlers) SchedulePaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		payment, err := h.service.SchedulePayment(c.Request.Context(), req)
		response.Handle(c, payment, err)
	}
}

// GetPaymentHandler handles GET /admin/payments/:payment_id
func (h *GinHandlers) GetPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		payment, err := h.service.GetPayment(c.Request.Context(), c.Param("payment_id"))
		response.Handle(c, payment, err)
	}
}

// RefundPaymentHandler handles POST /admin/payments/:payment_id/refund
func (h *GinHandlers) RefundPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RefundRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		refund, err := h.service.RefundPayment(c.Request.Context(), c.Param("payment_id"), req)
		response.Handle(c, refund, err)
	}
}
