package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibank-api/models"
)

func nordBankTestAdapter(srv *httptest.Server) *NordBankAdapter {
	return &NordBankAdapter{
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Client:       srv.Client(),
	}
}

func TestNordBankRefreshRotatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/token", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "refresh_token", payload["grant_type"])
		assert.Equal(t, "rt-old", payload["refresh_token"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-new","token_type":"Bearer","expires_in":600}`))
	}))
	defer srv.Close()

	cred, err := nordBankTestAdapter(srv).Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-2", cred.AccessToken)
	assert.Equal(t, "rt-new", cred.RefreshToken)
}

func TestNordBankSpentRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	_, err := nordBankTestAdapter(srv).Refresh(context.Background(), "rt-spent")
	assert.ErrorIs(t, err, ErrNeedsReauth)
}

func TestNordBankFetchAccountsBalanceTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"accounts": [{
				"resource_id": "nb-acc-1",
				"name": "Girokonto",
				"cash_account_type": "CACC",
				"currency": "EUR",
				"balances": [
					{"balance_amount": {"amount": "820.40", "currency": "EUR"}, "balance_type": "closingBooked"},
					{"balance_amount": {"amount": "795.40", "currency": "EUR"}, "balance_type": "interimAvailable"}
				]
			}],
			"next_cursor": ""
		}`))
	}))
	defer srv.Close()

	page, err := nordBankTestAdapter(srv).FetchAccounts(context.Background(), "at-1", "")
	require.NoError(t, err)
	require.Len(t, page.Accounts, 1)

	acc := page.Accounts[0]
	assert.Equal(t, "nb-acc-1", acc.ExternalID)
	assert.Equal(t, "820.40", acc.Balance)
	assert.Equal(t, "795.40", acc.Available)
	assert.Equal(t, "CACC", acc.NativeType)
}

func TestNordBankFetchTransactionsSplitsBookedAndPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/nb-acc-1/transactions", r.URL.Path)
		assert.Equal(t, "2026-03-07", r.URL.Query().Get("date_from"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"booked": [{
				"transaction_id": "nb-tx-1",
				"transaction_amount": {"amount": "-19.99", "currency": "EUR"},
				"booking_date": "2026-03-13",
				"creditor_name": "Streaming AG",
				"remittance_information": "Monthly subscription"
			}],
			"pending": [{
				"transaction_amount": {"amount": "-8.50", "currency": "EUR"},
				"value_date": "2026-03-14",
				"creditor_name": "Bakery",
				"remittance_information": "Card payment"
			}],
			"next_cursor": "opaque-cursor"
		}`))
	}))
	defer srv.Close()

	since := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	page, err := nordBankTestAdapter(srv).FetchTransactions(context.Background(), "at-1", "nb-acc-1", "", since)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "opaque-cursor", page.NextCursor)

	booked := page.Transactions[0]
	assert.Equal(t, "nb-tx-1", booked.ExternalID)
	assert.Equal(t, models.TxBooked, booked.Status)
	assert.Equal(t, "-19.99", booked.Amount)
	assert.Equal(t, "Streaming AG", booked.Merchant)

	// Pending entries have no transaction id yet; the reconciler matches them
	// by fingerprint later.
	pending := page.Transactions[1]
	assert.Empty(t, pending.ExternalID)
	assert.Equal(t, models.TxPending, pending.Status)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), pending.BookedAt)
}

func TestNordBankIncomingMerchantIsDebtor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"booked": [{
				"transaction_id": "nb-tx-2",
				"transaction_amount": {"amount": "2500.00", "currency": "EUR"},
				"booking_date": "2026-03-01",
				"creditor_name": "",
				"debtor_name": "ACME Corp",
				"remittance_information": "Salary March"
			}],
			"pending": []
		}`))
	}))
	defer srv.Close()

	page, err := nordBankTestAdapter(srv).FetchTransactions(context.Background(), "at-1", "nb-acc-1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "ACME Corp", page.Transactions[0].Merchant)
}

func TestNordBankUnparseableDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"booked": [{
				"transaction_id": "nb-tx-3",
				"transaction_amount": {"amount": "-1.00", "currency": "EUR"},
				"booking_date": "14/03/2026"
			}],
			"pending": []
		}`))
	}))
	defer srv.Close()

	_, err := nordBankTestAdapter(srv).FetchTransactions(context.Background(), "at-1", "nb-acc-1", "", time.Time{})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}
