package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibank-api/models"
)

func openBankTestAdapter(srv *httptest.Server) *OpenBankAdapter {
	return &OpenBankAdapter{
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Client:       srv.Client(),
	}
}

func TestOpenBankExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "the-code", r.FormValue("code"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600,"scope":"accounts"}`))
	}))
	defer srv.Close()

	cred, err := openBankTestAdapter(srv).ExchangeCode(context.Background(), "the-code", "https://app/callback")
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)
	assert.Equal(t, "rt-1", cred.RefreshToken)
	assert.False(t, cred.Expired(time.Now()))
}

func TestOpenBankRefreshInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	_, err := openBankTestAdapter(srv).Refresh(context.Background(), "spent-token")
	assert.ErrorIs(t, err, ErrNeedsReauth)
}

func TestOpenBankFetchAccountsPaginated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "" {
			w.Write([]byte(`{
				"data": {"account": [{
					"accountId": "ob-acc-1",
					"nickname": "Everyday",
					"accountType": "Personal",
					"currency": "GBP",
					"balance": {"amount": "1024.50", "currency": "GBP"},
					"availableBalance": {"amount": "1000.00", "currency": "GBP"}
				}]},
				"links": {"next": "2"}
			}`))
			return
		}
		w.Write([]byte(`{
			"data": {"account": [{
				"accountId": "ob-acc-2",
				"accountType": "Savings",
				"currency": "GBP",
				"balance": {"amount": "5000.00", "currency": "GBP"}
			}]},
			"links": {}
		}`))
	}))
	defer srv.Close()

	adapter := openBankTestAdapter(srv)

	page, err := adapter.FetchAccounts(context.Background(), "at-1", "")
	require.NoError(t, err)
	require.Len(t, page.Accounts, 1)
	assert.Equal(t, "ob-acc-1", page.Accounts[0].ExternalID)
	assert.Equal(t, "1024.50", page.Accounts[0].Balance)
	assert.Equal(t, "2", page.NextCursor)

	page, err = adapter.FetchAccounts(context.Background(), "at-1", page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Accounts, 1)
	assert.Equal(t, "ob-acc-2", page.Accounts[0].ExternalID)
	assert.Empty(t, page.NextCursor)
}

func TestOpenBankFetchTransactionsSignsDebits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/ob-acc-1/transactions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": {"transaction": [
				{
					"transactionId": "tx-1",
					"amount": {"amount": "42.50", "currency": "GBP"},
					"creditDebitIndicator": "Debit",
					"status": "Booked",
					"bookingDateTime": "2026-03-14T09:30:00Z",
					"transactionInformation": "Coffee Shop",
					"merchantName": "Coffee Shop"
				},
				{
					"transactionId": "tx-2",
					"amount": {"amount": "2500.00", "currency": "GBP"},
					"creditDebitIndicator": "Credit",
					"status": "Pending",
					"bookingDateTime": "2026-03-14T10:00:00Z",
					"transactionInformation": "Salary"
				}
			]},
			"links": {}
		}`))
	}))
	defer srv.Close()

	page, err := openBankTestAdapter(srv).FetchTransactions(context.Background(), "at-1", "ob-acc-1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)

	assert.Equal(t, "-42.50", page.Transactions[0].Amount)
	assert.Equal(t, models.TxBooked, page.Transactions[0].Status)

	assert.Equal(t, "2500.00", page.Transactions[1].Amount)
	assert.Equal(t, models.TxPending, page.Transactions[1].Status)
}

func TestOpenBankRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := openBankTestAdapter(srv).FetchAccounts(context.Background(), "at-1", "")
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 30*time.Second, RetryAfterHint(err))
}

func TestOpenBankUnauthorizedMidRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := openBankTestAdapter(srv).FetchAccounts(context.Background(), "revoked", "")
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.False(t, IsRetryable(err))
}

func TestOpenBankServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := openBankTestAdapter(srv).FetchAccounts(context.Background(), "at-1", "")
	var tr *TransientError
	require.True(t, errors.As(err, &tr))
	assert.True(t, IsRetryable(err))
}

func TestOpenBankMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	_, err := openBankTestAdapter(srv).FetchAccounts(context.Background(), "at-1", "")
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.False(t, IsRetryable(err))
}
