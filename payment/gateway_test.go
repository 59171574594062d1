package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotshare/ledger"
)

func refund(amount int64) Command {
	return Command{
		ID:           "pay-d1",
		MembershipID: "m-1",
		DisputeID:    "d-1",
		Action:       ledger.PaymentActionRefund,
		Amount:       &amount,
		IssuedAt:     time.Now(),
	}
}

func TestCommandValidate(t *testing.T) {
	assert.NoError(t, refund(500).Validate())
	assert.Error(t, Command{ID: "x", MembershipID: "m", Action: ledger.PaymentActionRefund}.Validate())
	assert.Error(t, Command{ID: "x", MembershipID: "m", Action: "charge"}.Validate())
	assert.Error(t, Command{Action: ledger.PaymentActionNoAction}.Validate())
}

func TestHTTPGateway_SendsIdempotencyKey(t *testing.T) {
	var (
		gotKey string
		got    Command
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, time.Second)
	require.NoError(t, gw.Submit(context.Background(), refund(500)))
	assert.Equal(t, "pay-d1", gotKey)
	assert.Equal(t, ledger.PaymentActionRefund, got.Action)
	require.NotNil(t, got.Amount)
	assert.Equal(t, int64(500), *got.Amount)
}

func TestHTTPGateway_StatusClassification(t *testing.T) {
	cases := []struct {
		status   int
		wantErr  bool
		rejected bool
	}{
		{http.StatusOK, false, false},
		{http.StatusConflict, false, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusUnprocessableEntity, true, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := NewHTTPGateway(srv.URL, time.Second).Submit(context.Background(), refund(1))
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.rejected, errors.Is(err, ErrRejected))
		})
	}
}
