package provider

import (
	"context"
	"time"
)

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call to next. A non-positive timeout returns next
// unchanged.
func WithTimeout(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return next
	}
	return &timeoutClient{next: next, timeout: timeout}
}

func (c *timeoutClient) CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.CreatePaymentIntent(ctx, params)
}

func (c *timeoutClient) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.RetrievePaymentIntent(ctx, id)
}

func (c *timeoutClient) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.CreateRefund(ctx, params)
}

func (c *timeoutClient) ListPaymentMethods(ctx context.Context, customer string) ([]PaymentMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.ListPaymentMethods(ctx, customer)
}
