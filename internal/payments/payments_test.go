package payments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/provider"
	"github.com/ksred/paysync-api/internal/testutil"
	"github.com/ksred/paysync-api/internal/types"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreatePaymentIntent(ctx context.Context, params provider.CreateIntentParams) (*provider.PaymentIntent, error) {
	args := m.Called(ctx, params)
	intent, _ := args.Get(0).(*provider.PaymentIntent)
	return intent, args.Error(1)
}

func (m *mockProvider) RetrievePaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error) {
	args := m.Called(ctx, id)
	intent, _ := args.Get(0).(*provider.PaymentIntent)
	return intent, args.Error(1)
}

func (m *mockProvider) CreateRefund(ctx context.Context, params provider.RefundParams) (*provider.Refund, error) {
	args := m.Called(ctx, params)
	refund, _ := args.Get(0).(*provider.Refund)
	return refund, args.Error(1)
}

func (m *mockProvider) ListPaymentMethods(ctx context.Context, customer string) ([]provider.PaymentMethod, error) {
	args := m.Called(ctx, customer)
	methods, _ := args.Get(0).([]provider.PaymentMethod)
	return methods, args.Error(1)
}

func TestSchedulePaymentHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid", body: `{"customer_id":"cus_1","amount":1500,"currency":"USD","scheduled_date":"2024-05-01T09:00:00Z","order_id":"ORD_1"}`, wantStatus: http.StatusCreated},
		{name: "zero_amount", body: `{"customer_id":"cus_1","amount":0,"currency":"usd","scheduled_date":"2024-05-01T09:00:00Z"}`, wantStatus: http.StatusBadRequest},
		{name: "bad_currency", body: `{"customer_id":"cus_1","amount":100,"currency":"dollars","scheduled_date":"2024-05-01T09:00:00Z"}`, wantStatus: http.StatusBadRequest},
		{name: "missing_customer", body: `{"amount":100,"currency":"usd","scheduled_date":"2024-05-01T09:00:00Z"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDB(t)
			handlers := payments.NewGinHandlers(payments.NewService(db, nil))
			router := gin.New()
			router.POST("/api/v1/admin/payments/scheduled", handlers.SchedulePaymentHandler())
			router.GET("/api/v1/admin/payments/:payment_id", handlers.GetPaymentHandler())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/payments/scheduled", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusCreated {
				return
			}

			var created struct {
				Data payments.Payment `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
			assert.Equal(t, types.PaymentPending, created.Data.Status)
			assert.Equal(t, "usd", created.Data.Currency)
			assert.Nil(t, created.Data.ProviderPaymentID)

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments/"+created.Data.PaymentID, nil))
			assert.Equal(t, http.StatusOK, w.Code)

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments/PAY_missing", nil))
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestRefundPaymentHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ref := "pi_1"

	tests := []struct {
		name       string
		status     types.PaymentStatus
		ref        *string
		refunded   int64
		body       string
		params     *provider.RefundParams
		err        error
		wantStatus int
	}{
		{
			name:       "full_refund",
			status:     types.PaymentSucceeded,
			ref:        &ref,
			params:     &provider.RefundParams{PaymentIntent: ref, Amount: 5000, IdempotencyKey: "PAY_1:refund:5000"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "remaining_after_partial",
			status:     types.PaymentPartiallyRefunded,
			ref:        &ref,
			refunded:   1000,
			body:       `{"amount":1500,"reason":"requested_by_customer"}`,
			params:     &provider.RefundParams{PaymentIntent: ref, Amount: 1500, Reason: "requested_by_customer", IdempotencyKey: "PAY_1:refund:2500"},
			wantStatus: http.StatusCreated,
		},
		{name: "pending_payment", status: types.PaymentPending, ref: &ref, wantStatus: http.StatusConflict},
		{name: "no_provider_reference", status: types.PaymentSucceeded, wantStatus: http.StatusConflict},
		{name: "more_than_left", status: types.PaymentPartiallyRefunded, ref: &ref, refunded: 4000, body: `{"amount":2000}`, wantStatus: http.StatusConflict},
		{name: "unknown_reason", status: types.PaymentSucceeded, ref: &ref, body: `{"reason":"because"}`, wantStatus: http.StatusBadRequest},
		{
			name:       "provider_down",
			status:     types.PaymentSucceeded,
			ref:        &ref,
			params:     &provider.RefundParams{PaymentIntent: ref, Amount: 5000, IdempotencyKey: "PAY_1:refund:5000"},
			err:        &provider.Error{Op: "create_refund", Code: "api_error"},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDB(t)
			require.NoError(t, db.Create(&payments.Payment{
				PaymentID:         "PAY_1",
				ProviderPaymentID: tt.ref,
				Amount:            5000,
				AmountRefunded:    tt.refunded,
				Currency:          "usd",
				Status:            tt.status,
			}).Error)

			client := &mockProvider{}
			if tt.params != nil {
				var refund *provider.Refund
				if tt.err == nil {
					refund = &provider.Refund{ID: "re_1", PaymentIntent: ref, Amount: tt.params.Amount, Status: "succeeded"}
				}
				client.On("CreateRefund", mock.Anything, *tt.params).Return(refund, tt.err).Once()
			}

			router := gin.New()
			router.POST("/api/v1/admin/payments/:payment_id/refund", payments.NewGinHandlers(payments.NewService(db, client)).RefundPaymentHandler())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/payments/PAY_1/refund", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			client.AssertExpectations(t)

			var unchanged payments.Payment
			require.NoError(t, db.Where("payment_id = ?", "PAY_1").First(&unchanged).Error)
			assert.Equal(t, tt.status, unchanged.Status)
			assert.Equal(t, tt.refunded, unchanged.AmountRefunded)
		})
	}
}
