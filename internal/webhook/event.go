package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent marks a delivery that cannot be routed or decoded. It is
// answered with 400 and never retried into the handlers.
var ErrInvalidEvent = errors.New("invalid webhook event")

type EventType string

const (
	PaymentIntentSucceeded     EventType = "payment_intent.succeeded"
	PaymentIntentPaymentFailed EventType = "payment_intent.payment_failed"
	CheckoutSessionCompleted   EventType = "checkout.session.completed"
	ChargeRefunded             EventType = "charge.refunded"
	ChargeDisputeCreated       EventType = "charge.dispute.created"
	SubscriptionCreated        EventType = "customer.subscription.created"
	SubscriptionUpdated        EventType = "customer.subscription.updated"
	SubscriptionDeleted        EventType = "customer.subscription.deleted"
	InvoicePaid                EventType = "invoice.paid"
	InvoicePaymentFailed       EventType = "invoice.payment_failed"
)

// Event is the provider envelope.
type Event struct {
	ID      string    `json:"id" validate:"required"`
	Type    EventType `json:"type" validate:"required"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

func (e *Event) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

var validate = validator.New()

// ParseEvent decodes and validates an envelope.
func ParseEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := validate.Struct(&evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &evt, nil
}

// decodeObject unmarshals and validates the event's payload object.
func decodeObject[T any](raw json.RawMessage) (*T, error) {
	var obj T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := validate.Struct(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &obj, nil
}

type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PaymentIntentObject struct {
	ID               string            `json:"id" validate:"required"`
	Amount           int64             `json:"amount" validate:"gte=0"`
	Currency         string            `json:"currency"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	LatestCharge     string            `json:"latest_charge"`
	ReceiptEmail     string            `json:"receipt_email"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
}

func (p *PaymentIntentObject) FailureReason() string {
	if p.LastPaymentError == nil {
		return ""
	}
	if p.LastPaymentError.Code != "" {
		return p.LastPaymentError.Code
	}
	return p.LastPaymentError.Message
}

type CustomerDetails struct {
	Email string `json:"email"`
}

type CheckoutSessionObject struct {
	ID              string            `json:"id" validate:"required"`
	PaymentIntent   string            `json:"payment_intent"`
	PaymentStatus   string            `json:"payment_status"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Customer        string            `json:"customer"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *CustomerDetails  `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
}

func (c *CheckoutSessionObject) Email() string {
	if c.CustomerDetails != nil && c.CustomerDetails.Email != "" {
		return c.CustomerDetails.Email
	}
	return c.CustomerEmail
}

type RefundObject struct {
	ID     string `json:"id" validate:"required"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type RefundList struct {
	Data []RefundObject `json:"data" validate:"dive"`
}

type ChargeObject struct {
	ID             string     `json:"id" validate:"required"`
	PaymentIntent  string     `json:"payment_intent"`
	Amount         int64      `json:"amount"`
	AmountRefunded int64      `json:"amount_refunded"`
	Currency       string     `json:"currency"`
	Refunds        RefundList `json:"refunds"`
}

type DisputeObject struct {
	ID            string `json:"id" validate:"required"`
	Charge        string `json:"charge" validate:"required"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
}

type SubscriptionObject struct {
	ID                string `json:"id" validate:"required"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        *int64 `json:"canceled_at"`
}

type InvoiceObject struct {
	ID               string            `json:"id" validate:"required"`
	Subscription     string            `json:"subscription"`
	Customer         string            `json:"customer"`
	AmountPaid       int64             `json:"amount_paid"`
	AmountDue        int64             `json:"amount_due"`
	Currency         string            `json:"currency"`
	PaymentIntent    string            `json:"payment_intent"`
	Charge           string            `json:"charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
}
