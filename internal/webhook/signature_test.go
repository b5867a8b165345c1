package webhook_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ksred/paysync-api/internal/webhook"
)

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	valid := webhook.Sign(body, "whsec_test", now)

	tests := []struct {
		name    string
		body    []byte
		header  string
		secret  string
		now     time.Time
		wantErr error
	}{
		{name: "valid", body: body, header: valid, secret: "whsec_test", now: now},
		{name: "missing_header", body: body, header: "", secret: "whsec_test", now: now, wantErr: webhook.ErrMissingSignature},
		{name: "wrong_secret", body: body, header: valid, secret: "whsec_other", now: now, wantErr: webhook.ErrBadSignature},
		{name: "tampered_body", body: []byte(`{"id":"evt_2","type":"payment_intent.succeeded"}`), header: valid, secret: "whsec_test", now: now, wantErr: webhook.ErrBadSignature},
		{name: "stale", body: body, header: valid, secret: "whsec_test", now: now.Add(10 * time.Minute), wantErr: webhook.ErrStaleSignature},
		{name: "malformed", body: body, header: "garbage", secret: "whsec_test", now: now, wantErr: webhook.ErrBadSignature},
		{name: "rotated_secret_second_v1", body: body, header: valid + ",v1=deadbeef", secret: "whsec_test", now: now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := webhook.Verify(tt.body, tt.header, tt.secret, 5*time.Minute, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
