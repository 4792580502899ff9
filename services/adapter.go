package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"multibank-api/models"
)

// RawAccount is a bank adapter's decoded account payload. Amounts stay as
// decimal strings here; the normalizer converts them to minor units.
type RawAccount struct {
	ExternalID string
	Name       string
	NativeType string // bank vocabulary, e.g. "CACC" or "Personal"
	Currency   string
	Balance    string
	Available  string
}

// RawTransaction is a bank adapter's decoded transaction payload. The
// adapter resolves its bank's credit/debit convention into a signed decimal
// string and maps the native status onto booked/pending. ExternalID is empty
// when the bank has not yet assigned a stable id to a pending transaction.
type RawTransaction struct {
	ExternalID  string
	Amount      string
	Currency    string
	Status      string // models.TxBooked or models.TxPending
	BookedAt    time.Time
	Description string
	Merchant    string
}

type AccountsPage struct {
	Accounts   []RawAccount
	NextCursor string // empty when the listing is exhausted
}

type TransactionsPage struct {
	Transactions []RawTransaction
	NextCursor   string
}

// BankAdapter is the fixed capability set every supported bank implements.
// New banks are added by implementing this interface and registering it,
// never by branching on bank id inside shared logic.
type BankAdapter interface {
	BankID() string
	BankName() string

	// AuthorizeURL builds the redirect target for the bank's OAuth consent
	// screen. state is the signed CSRF token produced by the caller.
	AuthorizeURL(state, redirectURL string) string

	// ExchangeCode trades an authorization code for a credential.
	ExchangeCode(ctx context.Context, code, redirectURL string) (*models.Credential, error)

	// Refresh trades a refresh token for a new credential. Banks with
	// single-use refresh tokens answer invalid_grant for a token that was
	// already spent; the adapter reports that as ErrNeedsReauth instead of
	// an error worth retrying.
	Refresh(ctx context.Context, refreshToken string) (*models.Credential, error)

	// FetchAccounts returns one page of accounts. The caller drains the
	// cursor until NextCursor comes back empty.
	FetchAccounts(ctx context.Context, accessToken, cursor string) (*AccountsPage, error)

	// FetchTransactions returns one page of transactions for an account,
	// starting at since for incremental fetches (zero time means full
	// history).
	FetchTransactions(ctx context.Context, accessToken, externalAccountID, cursor string, since time.Time) (*TransactionsPage, error)
}

// AdapterRegistry maps bank id to adapter, built once at startup.
type AdapterRegistry map[string]BankAdapter

// NewAdapterRegistry constructs every configured adapter. A bank whose
// credentials are missing from the environment is a startup failure, not a
// per-run one.
func NewAdapterRegistry() (AdapterRegistry, error) {
	registry := AdapterRegistry{}

	for _, build := range []func() (BankAdapter, error){
		newOpenBankAdapter,
		newNordBankAdapter,
	} {
		adapter, err := build()
		if err != nil {
			return nil, fmt.Errorf("adapter configuration: %w", err)
		}
		registry[adapter.BankID()] = adapter
	}

	return registry, nil
}

// Get returns the adapter for a bank id.
func (r AdapterRegistry) Get(bankID string) (BankAdapter, error) {
	adapter, ok := r[bankID]
	if !ok {
		return nil, fmt.Errorf("unsupported bank: %s", bankID)
	}
	return adapter, nil
}

// requireEnv reads a mandatory configuration variable for a bank adapter.
func requireEnv(bank, key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s: %s environment variable is required", bank, key)
	}
	return v, nil
}

// checkResponse maps non-2xx bank responses onto the shared error taxonomy.
// Callers still decode the body themselves on success.
func checkResponse(bank string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: access token rejected: %w", bank, ErrNeedsReauth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Bank: bank, RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransientError{
			Op:  bank + " request",
			Err: fmt.Errorf("upstream status %d", resp.StatusCode),
		}
	default:
		return &SchemaError{
			Bank:     bank,
			Resource: resp.Request.URL.Path,
			Detail:   fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}
