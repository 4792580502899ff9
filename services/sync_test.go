package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibank-api/models"
)

func TestRunGateCoalesces(t *testing.T) {
	gate := newRunGate()

	first, started := gate.begin("conn-1", func() {})
	require.True(t, started)
	gate.publish(first, "run-1")

	// A second trigger while run-1 is in flight lands on the same run.
	second, started := gate.begin("conn-1", func() {})
	assert.False(t, started)
	assert.Same(t, first, second)
	runID, err := second.RunID()
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	gate.finish("conn-1", first, models.RunSuccess)
	assert.Equal(t, models.RunSuccess, first.Wait())
	assert.Equal(t, models.RunSuccess, second.Wait())

	// Once finished the slot is free again.
	third, started := gate.begin("conn-1", func() {})
	assert.True(t, started)
	gate.finish("conn-1", third, models.RunFailure)
}

func TestRunGateIndependentConnections(t *testing.T) {
	gate := newRunGate()

	a, startedA := gate.begin("conn-a", func() {})
	b, startedB := gate.begin("conn-b", func() {})
	assert.True(t, startedA)
	assert.True(t, startedB)
	assert.NotSame(t, a, b)

	gate.finish("conn-a", a, models.RunSuccess)
	gate.finish("conn-b", b, models.RunSuccess)
}

func TestRunGateAbortReachesCoalescedCallers(t *testing.T) {
	gate := newRunGate()

	first, started := gate.begin("conn-1", func() {})
	require.True(t, started)

	// A caller coalesces onto the slot before the run's audit record exists.
	second, started := gate.begin("conn-1", func() {})
	require.False(t, started)

	startupErr := errors.New("insert sync run: connection refused")
	gate.abort("conn-1", first, startupErr)

	// The coalesced caller must see the startup failure, not an empty run id.
	_, err := second.RunID()
	assert.ErrorIs(t, err, startupErr)

	// The slot is free again after the abort.
	third, started := gate.begin("conn-1", func() {})
	assert.True(t, started)
	gate.finish("conn-1", third, models.RunSuccess)
}

func TestRunGateCancelInflight(t *testing.T) {
	gate := newRunGate()

	cancelled := false
	run, _ := gate.begin("conn-1", func() { cancelled = true })

	gate.cancelInflight("conn-1")
	assert.True(t, cancelled)

	// Cancelling a connection with nothing in flight is a no-op.
	gate.cancelInflight("conn-unknown")

	gate.finish("conn-1", run, models.RunFailure)
}

func retryOrchestrator(policy RetryPolicy) (*SyncOrchestrator, *[]time.Duration) {
	var slept []time.Duration
	o := &SyncOrchestrator{
		retry: policy,
		sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return o, &slept
}

func TestWithRetryBacksOffExponentially(t *testing.T) {
	o, slept := retryOrchestrator(RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond})

	attempts := 0
	err := o.withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &TransientError{Op: "fetch", Err: errors.New("upstream status 503")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestWithRetryHonorsRetryAfter(t *testing.T) {
	o, slept := retryOrchestrator(RetryPolicy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond})

	attempts := 0
	err := o.withRetry(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return &RateLimitedError{Bank: "openbank", RetryAfter: 5 * time.Second}
		}
		return nil
	})

	require.NoError(t, err)
	// The server-supplied delay overrides the computed backoff.
	assert.Equal(t, []time.Duration{5 * time.Second}, *slept)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	o, slept := retryOrchestrator(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	attempts := 0
	err := o.withRetry(context.Background(), func() error {
		attempts++
		return &TransientError{Op: "fetch", Err: errors.New("still down")}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, *slept, 2)
}

func TestWithRetryDoesNotRetryTerminalErrors(t *testing.T) {
	o, slept := retryOrchestrator(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	attempts := 0
	err := o.withRetry(context.Background(), func() error {
		attempts++
		return &SchemaError{Bank: "openbank", Resource: "accounts", Detail: "unexpected shape"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)

	attempts = 0
	err = o.withRetry(context.Background(), func() error {
		attempts++
		return ErrNeedsReauth
	})
	require.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, 1, attempts)
}

// scriptedAdapter serves canned transaction pages, for exercising the
// pagination loop without a bank behind it.
type scriptedAdapter struct {
	pages []TransactionsPage
	calls int
}

func (a *scriptedAdapter) BankID() string   { return "scripted" }
func (a *scriptedAdapter) BankName() string { return "Scripted Bank" }

func (a *scriptedAdapter) AuthorizeURL(state, redirectURL string) string { return "" }

func (a *scriptedAdapter) ExchangeCode(ctx context.Context, code, redirectURL string) (*models.Credential, error) {
	return nil, errors.New("not supported")
}

func (a *scriptedAdapter) Refresh(ctx context.Context, refreshToken string) (*models.Credential, error) {
	return nil, errors.New("not supported")
}

func (a *scriptedAdapter) FetchAccounts(ctx context.Context, accessToken, cursor string) (*AccountsPage, error) {
	return &AccountsPage{}, nil
}

func (a *scriptedAdapter) FetchTransactions(ctx context.Context, accessToken, externalAccountID, cursor string, since time.Time) (*TransactionsPage, error) {
	page := a.pages[a.calls]
	a.calls++
	return &page, nil
}

func TestFetchAllTransactionsKeepsLastCursor(t *testing.T) {
	o, _ := retryOrchestrator(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})
	adapter := &scriptedAdapter{pages: []TransactionsPage{
		{Transactions: []RawTransaction{{ExternalID: "tx-1", Amount: "-4.20"}}, NextCursor: "page-2"},
		{Transactions: []RawTransaction{{ExternalID: "tx-2", Amount: "-9.99"}}, NextCursor: ""},
	}}

	account := models.BankAccount{ID: "acct-1", ExternalAccountID: "ext-1"}
	txs, cursor, err := o.fetchAllTransactions(context.Background(), adapter, "token", account, time.Time{})

	require.NoError(t, err)
	assert.Len(t, txs, 2)
	// Draining the listing keeps the bank's last continuation position
	// instead of wiping it back to empty.
	assert.Equal(t, "page-2", cursor)
	assert.Equal(t, 2, adapter.calls)
}

func TestFetchAllTransactionsPreservesStoredCursor(t *testing.T) {
	o, _ := retryOrchestrator(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})
	adapter := &scriptedAdapter{pages: []TransactionsPage{
		{Transactions: nil, NextCursor: ""},
	}}

	// An incremental run that finds nothing new must not lose the cursor
	// persisted by the previous run.
	account := models.BankAccount{ID: "acct-1", ExternalAccountID: "ext-1", TxCursor: "page-7"}
	txs, cursor, err := o.fetchAllTransactions(context.Background(), adapter, "token", account, time.Time{})

	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, "page-7", cursor)
}

func TestSyncAccountsIsolatesFailures(t *testing.T) {
	o := &SyncOrchestrator{}
	run := &models.SyncRun{ID: "run-1"}
	accounts := []RawAccount{
		{ExternalID: "acct-good"},
		{ExternalID: "acct-bad"},
		{ExternalID: "acct-also-good"},
	}

	err := o.syncAccounts(context.Background(), accounts, run, func(raw RawAccount) error {
		if raw.ExternalID == "acct-bad" {
			return errors.New("parse balance: invalid decimal")
		}
		return nil
	})

	require.NoError(t, err)
	// One bad account fails alone; the others still commit.
	assert.Equal(t, models.RunPartialFailure, run.Outcome)
	assert.Equal(t, 2, run.AccountsSynced)
	assert.Equal(t, 1, run.AccountsFailed)
	assert.Contains(t, run.ErrorDetail, "invalid decimal")
}

func TestSyncAccountsAllFail(t *testing.T) {
	o := &SyncOrchestrator{}
	run := &models.SyncRun{ID: "run-1"}
	accounts := []RawAccount{{ExternalID: "a"}, {ExternalID: "b"}}

	err := o.syncAccounts(context.Background(), accounts, run, func(raw RawAccount) error {
		return errors.New("boom: " + raw.ExternalID)
	})

	require.NoError(t, err)
	assert.Equal(t, models.RunFailure, run.Outcome)
	assert.Equal(t, 0, run.AccountsSynced)
	assert.Equal(t, 2, run.AccountsFailed)
	// The first failure is the one reported.
	assert.Equal(t, "boom: a", run.ErrorDetail)
}

func TestSyncAccountsAllSucceed(t *testing.T) {
	o := &SyncOrchestrator{}
	run := &models.SyncRun{ID: "run-1"}

	err := o.syncAccounts(context.Background(), []RawAccount{{ExternalID: "a"}}, run, func(RawAccount) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, run.Outcome)
	assert.Equal(t, 1, run.AccountsSynced)
	assert.Empty(t, run.ErrorDetail)
}

func TestSyncAccountsReauthAbortsRun(t *testing.T) {
	o := &SyncOrchestrator{}
	run := &models.SyncRun{ID: "run-1"}
	accounts := []RawAccount{{ExternalID: "a"}, {ExternalID: "b"}}

	calls := 0
	err := o.syncAccounts(context.Background(), accounts, run, func(RawAccount) error {
		calls++
		return ErrNeedsReauth
	})

	// A rejected token is run-level; remaining accounts are not attempted.
	require.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, 1, calls)
}

func TestSyncAccountsStopsOnCancel(t *testing.T) {
	o := &SyncOrchestrator{}
	run := &models.SyncRun{ID: "run-1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := o.syncAccounts(ctx, []RawAccount{{ExternalID: "a"}}, run, func(RawAccount) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestIncrementalSince(t *testing.T) {
	// First sync reads full history.
	assert.True(t, incrementalSince(models.BankConnection{}).IsZero())

	lastSync := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	since := incrementalSince(models.BankConnection{LastSyncedAt: &lastSync})
	// The overlap window reaches back far enough to re-see recently booked
	// pending transactions.
	assert.Equal(t, lastSync.Add(-7*24*time.Hour), since)
}
