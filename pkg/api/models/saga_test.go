package models

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The retry request tags are the contract the handler enforces with
// validator.Struct; keep them honest here.
func TestRetryRequestValidation(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name    string
		req     RetryRequest
		wantErr bool
	}{
		{
			name: "empty request is valid",
			req:  RetryRequest{},
		},
		{
			name: "payment method only",
			req:  RetryRequest{UpdatedPaymentMethodID: "pm-123"},
		},
		{
			name: "full address",
			req: RetryRequest{
				UpdatedShippingAddress: &AddressRequest{
					Line1:      "500 Harbor Blvd",
					City:       "Portland",
					PostalCode: "97201",
					Country:    "US",
				},
			},
		},
		{
			name: "address missing line1",
			req: RetryRequest{
				UpdatedShippingAddress: &AddressRequest{
					City:       "Portland",
					PostalCode: "97201",
					Country:    "US",
				},
			},
			wantErr: true,
		},
		{
			name: "address missing postal code",
			req: RetryRequest{
				UpdatedShippingAddress: &AddressRequest{
					Line1:   "500 Harbor Blvd",
					City:    "Portland",
					Country: "US",
				},
			},
			wantErr: true,
		},
		{
			name: "country must be two letters",
			req: RetryRequest{
				UpdatedShippingAddress: &AddressRequest{
					Line1:      "500 Harbor Blvd",
					City:       "Portland",
					PostalCode: "97201",
					Country:    "USA",
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(&tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// A refused attempt carries no result; the field must vanish from the JSON
// rather than serialize as null.
func TestRetryResponseOmitsResultWhenRefused(t *testing.T) {
	refused := RetryResponse{
		OrderID:       "ord-1",
		AttemptID:     "att-1",
		AttemptNumber: 0,
		Outcome:       "NOT_ELIGIBLE",
		Reason:        "order already completed",
	}

	data, err := json.Marshal(refused)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "result")
	assert.NotContains(t, raw, "skipped_steps")
	assert.Contains(t, raw, "reason")
}
