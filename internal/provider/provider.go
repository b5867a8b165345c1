// Package provider is the port to the external payment provider.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/paysync-api/internal/types"
)

type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentCanceled              IntentStatus = "canceled"
)

// InFlight reports whether the provider may still settle the intent.
func (s IntentStatus) InFlight() bool {
	return s == IntentProcessing || s == IntentRequiresAction
}

type PaymentIntent struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Customer      string            `json:"customer,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Status        IntentStatus      `json:"status"`
	LatestCharge  string            `json:"latest_charge,omitempty"`
	LastError     string            `json:"last_payment_error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Created       time.Time         `json:"created"`
}

type CreateIntentParams struct {
	Amount         int64
	Currency       string
	Customer       string
	PaymentMethod  string
	Confirm        bool
	OffSession     bool
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Type     string `json:"type"`
	Default  bool   `json:"default"`
}

type Refund struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Charge        string `json:"charge"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
}

type RefundParams struct {
	PaymentIntent  string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Client is the subset of the provider API the service calls.
type Client interface {
	CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)
	ListPaymentMethods(ctx context.Context, customer string) ([]PaymentMethod, error)
}

// DefaultPaymentMethod picks the customer's default method, or the first one.
func DefaultPaymentMethod(methods []PaymentMethod) (PaymentMethod, bool) {
	for _, m := range methods {
		if m.Default {
			return m, true
		}
	}
	if len(methods) > 0 {
		return methods[0], true
	}
	return PaymentMethod{}, false
}

// Error is a failed provider call. It matches types.ErrProvider.
type Error struct {
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s failed (%s)", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == types.ErrProvider
}
