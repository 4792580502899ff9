package services

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"multibank-api/models"
	"multibank-api/utils"
)

// SyncNotifier receives the completion event of every sync run. The
// delivery mechanism (WebSocket push) lives outside the engine.
type SyncNotifier interface {
	SyncCompleted(userID string, run models.SyncRun)
}

// RetryPolicy bounds the exponential backoff applied to transient bank
// errors. Defaults: 3 attempts, 500ms base delay, doubling each time. A
// server-supplied Retry-After always wins over the computed delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func RetryPolicyFromEnv() RetryPolicy {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
	if v, err := strconv.Atoi(os.Getenv("SYNC_MAX_ATTEMPTS")); err == nil && v > 0 {
		policy.MaxAttempts = v
	}
	if v, err := strconv.Atoi(os.Getenv("SYNC_BASE_DELAY_MS")); err == nil && v > 0 {
		policy.BaseDelay = time.Duration(v) * time.Millisecond
	}
	return policy
}

// ============================================================================
// RUN GATE
// ============================================================================

// runGate enforces at-most-one concurrent sync per connection. A trigger
// that finds a run in flight is coalesced onto it: both observe the same
// run id and the same eventual outcome.
type runGate struct {
	mu       sync.Mutex
	inflight map[string]*inflightRun
}

type inflightRun struct {
	cancel context.CancelFunc

	ready chan struct{} // closed once runID (or the startup error) is published
	runID string
	err   error

	done    chan struct{} // closed once the run completes
	outcome string
}

func newRunGate() *runGate {
	return &runGate{inflight: make(map[string]*inflightRun)}
}

// begin claims the connection's slot. When a run is already in flight it is
// returned instead, with started=false.
func (g *runGate) begin(connectionID string, cancel context.CancelFunc) (*inflightRun, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if run, ok := g.inflight[connectionID]; ok {
		return run, false
	}
	run := &inflightRun{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	g.inflight[connectionID] = run
	return run, true
}

func (g *runGate) publish(run *inflightRun, runID string) {
	run.runID = runID
	close(run.ready)
}

func (g *runGate) finish(connectionID string, run *inflightRun, outcome string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run.outcome = outcome
	close(run.done)
	delete(g.inflight, connectionID)
}

// abort releases a slot whose run never started (audit insert failed). The
// error reaches callers that coalesced onto the slot in the meantime.
func (g *runGate) abort(connectionID string, run *inflightRun, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run.err = err
	close(run.ready)
	close(run.done)
	delete(g.inflight, connectionID)
}

func (g *runGate) cancelInflight(connectionID string) {
	g.mu.Lock()
	run, ok := g.inflight[connectionID]
	g.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// RunID blocks until the run's audit record exists, or reports that the run
// never started.
func (r *inflightRun) RunID() (string, error) {
	<-r.ready
	return r.runID, r.err
}

// Wait blocks until the run completes and returns its outcome.
func (r *inflightRun) Wait() string {
	<-r.done
	return r.outcome
}

// ============================================================================
// ORCHESTRATOR
// ============================================================================

type SyncOrchestrator struct {
	vault       *TokenVault
	adapters    AdapterRegistry
	banking     *BankingService
	engine      *ReconcileEngine
	categorizer *CategorizerService
	notifier    SyncNotifier

	retry RetryPolicy
	gate  *runGate

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSyncOrchestrator(db *sql.DB, vault *TokenVault, adapters AdapterRegistry, notifier SyncNotifier) *SyncOrchestrator {
	return &SyncOrchestrator{
		vault:       vault,
		adapters:    adapters,
		banking:     NewBankingService(db),
		engine:      NewReconcileEngine(db),
		categorizer: NewCategorizerService(db),
		notifier:    notifier,
		retry:       RetryPolicyFromEnv(),
		gate:        newRunGate(),
		sleep:       sleepCtx,
	}
}

// Trigger starts a sync for the connection, or coalesces into the run
// already in flight. The run proceeds in the background; the returned id
// identifies the SyncRun audit record either way.
func (o *SyncOrchestrator) Trigger(ctx context.Context, connectionID string) (runID string, coalesced bool, err error) {
	run, coalesced, err := o.trigger(ctx, connectionID)
	if err != nil {
		return "", false, err
	}
	runID, err = run.RunID()
	if err != nil {
		return "", false, err
	}
	return runID, coalesced, nil
}

// TriggerAndWait runs a sync to completion, for the scheduler and tests.
// A coalesced trigger waits on the in-flight run and reports its outcome.
func (o *SyncOrchestrator) TriggerAndWait(ctx context.Context, connectionID string) (string, error) {
	run, _, err := o.trigger(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if _, err := run.RunID(); err != nil {
		return "", err
	}
	return run.Wait(), nil
}

func (o *SyncOrchestrator) trigger(ctx context.Context, connectionID string) (*inflightRun, bool, error) {
	conn, err := o.banking.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, false, err
	}

	// Runs outlive the HTTP request that triggered them; cancellation comes
	// from unlinking, not from the client hanging up.
	runCtx, cancel := context.WithCancel(context.Background())
	inflight, started := o.gate.begin(conn.ID, cancel)
	if !started {
		cancel()
		return inflight, true, nil
	}

	run, err := o.banking.CreateSyncRun(ctx, conn.ID)
	if err != nil {
		o.gate.abort(conn.ID, inflight, err)
		cancel()
		return nil, false, err
	}
	o.gate.publish(inflight, run.ID)

	go o.execute(runCtx, conn, run, inflight)
	return inflight, false, nil
}

// CancelSync aborts any in-flight run for the connection, e.g. when the
// user unlinks it. Cancellation lands between pagination pages and between
// account units, never mid-commit of one account.
func (o *SyncOrchestrator) CancelSync(connectionID string) {
	o.gate.cancelInflight(connectionID)
}

// execute drives one run through the pipeline and records its outcome.
func (o *SyncOrchestrator) execute(ctx context.Context, conn models.BankConnection, run models.SyncRun, inflight *inflightRun) {
	o.runPipeline(ctx, conn, &run)

	// Run bookkeeping must land even when the run context was cancelled.
	background := context.Background()
	if err := o.banking.FinishSyncRun(background, run); err != nil {
		utils.SafeLogf("⚠️ failed to record sync run %s: %v", run.ID, err)
	}

	switch run.Outcome {
	case models.RunSuccess, models.RunPartialFailure:
		if err := o.banking.MarkSynced(background, conn.ID); err != nil {
			utils.SafeLogf("⚠️ failed to mark connection synced: %v", err)
		}
	}

	if o.notifier != nil {
		o.notifier.SyncCompleted(conn.UserID, run)
	}
	o.gate.finish(conn.ID, inflight, run.Outcome)
}

func (o *SyncOrchestrator) runPipeline(ctx context.Context, conn models.BankConnection, run *models.SyncRun) {
	adapter, err := o.adapters.Get(conn.BankID)
	if err != nil {
		o.failRun(conn, run, err)
		return
	}

	// Step 1: a valid credential, refreshed if needed. NeedsReauth is
	// terminal: no further API calls, the user has to re-link.
	var cred *models.Credential
	err = o.withRetry(ctx, func() error {
		var err error
		cred, err = o.vault.EnsureFresh(ctx, conn.ID, adapter)
		return err
	})
	if errors.Is(err, ErrNeedsReauth) {
		o.expireAuth(conn, run, "credential expired, reauthorization required")
		return
	}
	if err != nil {
		o.failRun(conn, run, err)
		return
	}

	// Step 2a: drain the account listing. This is connection-level: if it
	// fails there is nothing to reconcile.
	rawAccounts, err := o.fetchAllAccounts(ctx, adapter, cred.AccessToken)
	if err != nil {
		if errors.Is(err, ErrNeedsReauth) {
			o.expireAuth(conn, run, "access token rejected mid-run")
			return
		}
		o.failRun(conn, run, err)
		return
	}

	categories, err := o.categorizer.LoadRuleSet(ctx)
	if err != nil {
		o.failRun(conn, run, err)
		return
	}

	// Steps 2b-6, one account at a time.
	err = o.syncAccounts(ctx, rawAccounts, run, func(rawAccount RawAccount) error {
		return o.syncAccount(ctx, conn, adapter, cred.AccessToken, rawAccount, categories, run)
	})
	if errors.Is(err, ErrNeedsReauth) {
		o.expireAuth(conn, run, "access token rejected mid-run")
		return
	}
	if err != nil {
		o.failRun(conn, run, err)
	}
}

// syncAccounts drives the per-account loop. Each account is its own
// transactional unit; failures stay isolated to it and the run outcome is
// settled from the synced/failed counts. Auth rejection and cancellation are
// run-level and abort the loop.
func (o *SyncOrchestrator) syncAccounts(ctx context.Context, rawAccounts []RawAccount, run *models.SyncRun, syncOne func(RawAccount) error) error {
	var firstAccountErr error
	for _, rawAccount := range rawAccounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := syncOne(rawAccount); err != nil {
			if errors.Is(err, ErrNeedsReauth) {
				return err
			}
			run.AccountsFailed++
			if firstAccountErr == nil {
				firstAccountErr = err
			}
			utils.SafeLogf("⚠️ sync %s: account %s failed: %v", run.ID, utils.MaskID(rawAccount.ExternalID), err)
			continue
		}
		run.AccountsSynced++
	}

	switch {
	case run.AccountsFailed == 0:
		run.Outcome = models.RunSuccess
	case run.AccountsSynced > 0:
		run.Outcome = models.RunPartialFailure
		run.ErrorDetail = firstAccountErr.Error()
	default:
		run.Outcome = models.RunFailure
		run.ErrorDetail = firstAccountErr.Error()
	}
	return nil
}

func (o *SyncOrchestrator) syncAccount(
	ctx context.Context,
	conn models.BankConnection,
	adapter BankAdapter,
	accessToken string,
	rawAccount RawAccount,
	categories []models.Category,
	run *models.SyncRun,
) error {
	normalized, err := NormalizeAccount(conn.BankID, rawAccount)
	if err != nil {
		return err
	}

	account, err := o.banking.UpsertAccount(ctx, conn.ID, normalized)
	if err != nil {
		return err
	}
	// Identity comes from the stored row; balances from this fetch.
	account.BalanceMinor = normalized.BalanceMinor
	account.AvailableMinor = normalized.AvailableMinor

	since := incrementalSince(conn)
	rawTxs, finalCursor, err := o.fetchAllTransactions(ctx, adapter, accessToken, account, since)
	if err != nil {
		return err
	}

	incoming := make([]models.Transaction, 0, len(rawTxs))
	for _, rawTx := range rawTxs {
		tx, err := NormalizeTransaction(conn.BankID, account.ExternalAccountID, rawTx)
		if err != nil {
			// One malformed transaction poisons the account unit; committing
			// around it would desync the stored history.
			return err
		}
		incoming = append(incoming, tx)
	}

	account.TxCursor = finalCursor

	result, err := o.engine.SyncAccount(ctx, account, incoming, func(tx models.Transaction) string {
		return Categorize(tx, account.AccountType, categories)
	})
	if err != nil {
		return err
	}

	run.TxNew += result.New
	run.TxUpdated += result.Updated
	return nil
}

func (o *SyncOrchestrator) fetchAllAccounts(ctx context.Context, adapter BankAdapter, accessToken string) ([]RawAccount, error) {
	var all []RawAccount
	cursor := ""
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var page *AccountsPage
		err := o.withRetry(ctx, func() error {
			var err error
			page, err = adapter.FetchAccounts(ctx, accessToken, cursor)
			return err
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Accounts...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (o *SyncOrchestrator) fetchAllTransactions(ctx context.Context, adapter BankAdapter, accessToken string, account models.BankAccount, since time.Time) ([]RawTransaction, string, error) {
	var all []RawTransaction
	cursor := account.TxCursor
	// The cursor persisted for the next run is the bank's last continuation
	// position; an exhausted listing must not wipe it back to empty.
	finalCursor := account.TxCursor
	for {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		var page *TransactionsPage
		err := o.withRetry(ctx, func() error {
			var err error
			page, err = adapter.FetchTransactions(ctx, accessToken, account.ExternalAccountID, cursor, since)
			return err
		})
		if err != nil {
			return nil, "", err
		}

		all = append(all, page.Transactions...)
		if page.NextCursor != "" {
			finalCursor = page.NextCursor
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, finalCursor, nil
		}
		cursor = page.NextCursor
	}
}

// incrementalSince picks the lower bound for an incremental fetch. The
// overlap window re-reads recent history so pending transactions that got
// booked (or corrected) since the last run are seen again.
func incrementalSince(conn models.BankConnection) time.Time {
	if conn.LastSyncedAt == nil {
		return time.Time{} // full history on first sync
	}
	return conn.LastSyncedAt.Add(-7 * 24 * time.Hour)
}

func (o *SyncOrchestrator) failRun(conn models.BankConnection, run *models.SyncRun, err error) {
	run.Outcome = models.RunFailure
	run.ErrorDetail = err.Error()
	_ = o.banking.UpdateConnectionStatus(context.Background(), conn.ID, models.ConnectionError, run.ErrorDetail)
}

func (o *SyncOrchestrator) expireAuth(conn models.BankConnection, run *models.SyncRun, detail string) {
	run.Outcome = models.RunFailure
	run.ErrorDetail = detail
	_ = o.banking.UpdateConnectionStatus(context.Background(), conn.ID, models.ConnectionTokenExpired, detail)
}

// withRetry applies the bounded backoff policy to one operation. Transient
// and rate-limit errors are retried; everything else returns immediately.
func (o *SyncOrchestrator) withRetry(ctx context.Context, fn func() error) error {
	delay := o.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= o.retry.MaxAttempts {
			return err
		}

		wait := delay
		if hint := RetryAfterHint(err); hint > wait {
			wait = hint
		}
		if err := o.sleep(ctx, wait); err != nil {
			return err
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
