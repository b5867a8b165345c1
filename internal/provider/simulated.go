package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SimulatedConfig shapes the behavior of the simulated provider.
type SimulatedConfig struct {
	MinLatency     time.Duration
	MaxLatency     time.Duration
	SuccessRate    float64 // 0-1, probability a confirmed intent succeeds
	ProcessingRate float64 // 0-1, probability it stays processing
}

// Simulated is an in-process payment provider for local runs and load tests.
// Intents are replayed for a repeated idempotency key.
type Simulated struct {
	cfg    SimulatedConfig
	logger zerolog.Logger

	mu       sync.Mutex
	rnd      *rand.Rand
	intents  map[string]*PaymentIntent
	byKey    map[string]string
	methods  map[string][]PaymentMethod
	refunded map[string]int64
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Simulated{
		cfg:      cfg,
		logger:   log.With().Str("component", "simulated_provider").Logger(),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		intents:  make(map[string]*PaymentIntent),
		byKey:    make(map[string]string),
		methods:  make(map[string][]PaymentMethod),
		refunded: make(map[string]int64),
	}
}

// AddPaymentMethod registers a card for a customer.
func (s *Simulated) AddPaymentMethod(customer string, isDefault bool) PaymentMethod {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm := PaymentMethod{
		ID:       "pm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Customer: customer,
		Type:     "card",
		Default:  isDefault,
	}
	s.methods[customer] = append(s.methods[customer], pm)
	return pm
}

func (s *Simulated) latency(ctx context.Context) error {
	d := s.cfg.MinLatency
	if span := s.cfg.MaxLatency - s.cfg.MinLatency; span > 0 {
		s.mu.Lock()
		d += time.Duration(s.rnd.Int63n(int64(span)))
		s.mu.Unlock()
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulated) CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error) {
	if err := s.latency(ctx); err != nil {
		return nil, &Error{Op: "create_payment_intent", Code: "timeout", Err: err}
	}
	if params.Amount <= 0 {
		return nil, &Error{Op: "create_payment_intent", Code: "invalid_amount", Err: fmt.Errorf("amount %d", params.Amount)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params.IdempotencyKey != "" {
		if id, ok := s.byKey[params.IdempotencyKey]; ok {
			replay := *s.intents[id]
			return &replay, nil
		}
	}

	intent := &PaymentIntent{
		ID:            "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Amount:        params.Amount,
		Currency:      params.Currency,
		Customer:      params.Customer,
		PaymentMethod: params.PaymentMethod,
		Status:        IntentRequiresPaymentMethod,
		Metadata:      params.Metadata,
		Created:       time.Now(),
	}

	if params.Confirm && params.PaymentMethod != "" {
		roll := s.rnd.Float64()
		switch {
		case roll < s.cfg.SuccessRate:
			intent.Status = IntentSucceeded
			intent.LatestCharge = "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		case roll < s.cfg.SuccessRate+s.cfg.ProcessingRate:
			intent.Status = IntentProcessing
		default:
			intent.Status = IntentRequiresPaymentMethod
			intent.LastError = "card_declined"
		}
	}

	s.intents[intent.ID] = intent
	if params.IdempotencyKey != "" {
		s.byKey[params.IdempotencyKey] = intent.ID
	}

	s.logger.Debug().
		Str("payment_intent", intent.ID).
		Str("customer", intent.Customer).
		Int64("amount", intent.Amount).
		Str("status", string(intent.Status)).
		Msg("simulated payment intent")

	out := *intent
	return &out, nil
}

func (s *Simulated) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	if err := s.latency(ctx); err != nil {
		return nil, &Error{Op: "retrieve_payment_intent", Code: "timeout", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return nil, &Error{Op: "retrieve_payment_intent", Code: "resource_missing", Err: errors.New(id)}
	}
	out := *intent
	return &out, nil
}

func (s *Simulated) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	if err := s.latency(ctx); err != nil {
		return nil, &Error{Op: "create_refund", Code: "timeout", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[params.PaymentIntent]
	if !ok || intent.Status != IntentSucceeded {
		return nil, &Error{Op: "create_refund", Code: "charge_not_refundable", Err: errors.New(params.PaymentIntent)}
	}

	amount := params.Amount
	if amount == 0 {
		amount = intent.Amount - s.refunded[intent.ID]
	}
	if amount <= 0 || s.refunded[intent.ID]+amount > intent.Amount {
		return nil, &Error{Op: "create_refund", Code: "amount_too_large", Err: fmt.Errorf("amount %d", amount)}
	}
	s.refunded[intent.ID] += amount

	return &Refund{
		ID:            "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		PaymentIntent: intent.ID,
		Charge:        intent.LatestCharge,
		Amount:        amount,
		Status:        "succeeded",
	}, nil
}

func (s *Simulated) ListPaymentMethods(ctx context.Context, customer string) ([]PaymentMethod, error) {
	if err := s.latency(ctx); err != nil {
		return nil, &Error{Op: "list_payment_methods", Code: "timeout", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	methods := make([]PaymentMethod, len(s.methods[customer]))
	copy(methods, s.methods[customer])
	return methods, nil
}
