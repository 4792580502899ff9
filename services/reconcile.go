package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"multibank-api/models"
	"multibank-api/utils"
)

// Reconciliation outcomes for one incoming transaction.
const (
	OutcomeInsert  = "insert"
	OutcomeUpdate  = "update"
	OutcomeConfirm = "confirm"
)

// TxDecision pairs an incoming normalized transaction with what the engine
// decided to do with it. For updates, Existing carries the stored record
// whose identity (and category) must be preserved.
type TxDecision struct {
	Outcome  string
	Incoming models.Transaction
	Existing *models.Transaction
}

// ReconcileResult summarizes one account's reconciliation.
type ReconcileResult struct {
	New       int
	Updated   int
	Confirmed int
}

// PlanReconciliation merges incoming transactions against the stored ones.
// Matching is by (account, external id) when the id is known, otherwise by
// dedup fingerprint among still-pending records, which is how a pending
// transaction is recognized again once the bank books it under a real id.
func PlanReconciliation(existing, incoming []models.Transaction) []TxDecision {
	byExternalID := make(map[string]*models.Transaction, len(existing))
	pendingByFingerprint := make(map[string]*models.Transaction)
	for i := range existing {
		tx := &existing[i]
		if tx.ExternalID != "" {
			byExternalID[tx.ExternalID] = tx
		}
		if tx.Status == models.TxPending {
			pendingByFingerprint[tx.Fingerprint] = tx
		}
	}

	// A booked record claimed by external id must not also be claimed by
	// fingerprint within the same batch.
	claimed := make(map[string]bool)

	decisions := make([]TxDecision, 0, len(incoming))
	for _, in := range incoming {
		var match *models.Transaction

		if in.ExternalID != "" {
			match = byExternalID[in.ExternalID]
		}
		if match == nil {
			if candidate, ok := pendingByFingerprint[in.Fingerprint]; ok && !claimed[candidate.ID] {
				match = candidate
			}
		}

		if match == nil {
			decisions = append(decisions, TxDecision{Outcome: OutcomeInsert, Incoming: in})
			continue
		}

		claimed[match.ID] = true

		if match.AmountMinor == in.AmountMinor &&
			match.Status == in.Status &&
			match.ExternalID == in.ExternalID {
			decisions = append(decisions, TxDecision{Outcome: OutcomeConfirm, Incoming: in, Existing: match})
			continue
		}

		decisions = append(decisions, TxDecision{Outcome: OutcomeUpdate, Incoming: in, Existing: match})
	}
	return decisions
}

// ReconcileEngine applies reconciliation plans to the database. One account
// is one transactional unit: either all of its records and its balance
// commit together, or none do.
type ReconcileEngine struct {
	db *sql.DB
}

func NewReconcileEngine(db *sql.DB) *ReconcileEngine {
	return &ReconcileEngine{db: db}
}

// LoadExisting fetches the stored transactions the planner matches against.
func (e *ReconcileEngine) LoadExisting(ctx context.Context, accountID string) ([]models.Transaction, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, account_id, COALESCE(external_id, ''), amount_minor, currency, status,
		       description, COALESCE(merchant, ''), booked_at, COALESCE(category_id::text, ''), fingerprint
		FROM transactions
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("load transactions for account: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.ExternalID, &tx.AmountMinor, &tx.Currency,
			&tx.Status, &tx.Description, &tx.Merchant, &tx.BookedAt, &tx.CategoryID, &tx.Fingerprint); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SyncAccount reconciles one account end to end: load, plan, categorize the
// new and changed records, and commit everything (transactions, wholesale
// balance overwrite, cursor, sync timestamp) in a single database
// transaction. A unique-constraint conflict means another writer beat us to
// a record; the decision is re-derived from fresh state and retried once.
func (e *ReconcileEngine) SyncAccount(
	ctx context.Context,
	account models.BankAccount,
	incoming []models.Transaction,
	categorize func(tx models.Transaction) string,
) (ReconcileResult, error) {
	var result ReconcileResult

	for attempt := 0; ; attempt++ {
		existing, err := e.LoadExisting(ctx, account.ID)
		if err != nil {
			return result, err
		}

		decisions := PlanReconciliation(existing, incoming)

		result = ReconcileResult{}
		for i := range decisions {
			d := &decisions[i]
			switch d.Outcome {
			case OutcomeInsert:
				result.New++
				if categorize != nil {
					d.Incoming.CategoryID = categorize(d.Incoming)
				}
			case OutcomeUpdate:
				result.Updated++
				// Keep a category the user already has; categorize only
				// records that never got one.
				d.Incoming.CategoryID = d.Existing.CategoryID
				if d.Incoming.CategoryID == "" && categorize != nil {
					d.Incoming.CategoryID = categorize(d.Incoming)
				}
			case OutcomeConfirm:
				result.Confirmed++
			}
		}

		err = utils.WithTransaction(e.db, func(tx *sql.Tx) error {
			return e.apply(ctx, tx, account, decisions)
		})
		if err == nil {
			return result, nil
		}
		if attempt == 0 && isUniqueViolation(err) {
			continue
		}
		return result, err
	}
}

func (e *ReconcileEngine) apply(ctx context.Context, tx *sql.Tx, account models.BankAccount, decisions []TxDecision) error {
	// Banks are the source of truth for balance; never derive it from the
	// transaction list.
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_minor = $1, available_minor = $2, tx_cursor = $3, last_synced_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`, account.BalanceMinor, account.AvailableMinor, account.TxCursor, account.ID); err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}

	for _, d := range decisions {
		switch d.Outcome {
		case OutcomeInsert:
			if err := insertTransaction(ctx, tx, account.ID, d.Incoming); err != nil {
				return err
			}
		case OutcomeUpdate:
			if err := updateTransaction(ctx, tx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, accountID string, in models.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, external_id, amount_minor, currency, status,
		                          description, merchant, booked_at, category_id, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, uuid.NewString(), accountID, nullable(in.ExternalID), in.AmountMinor, in.Currency, in.Status,
		in.Description, in.Merchant, in.BookedAt, nullable(in.CategoryID), in.Fingerprint)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// updateTransaction overwrites the stored record in place. When a pending
// transaction got booked under a newly assigned external id the identity
// fields are rewritten on the same row, never inserted as a duplicate. The
// category survives if it was already set.
func updateTransaction(ctx context.Context, tx *sql.Tx, d TxDecision) error {
	externalID := d.Incoming.ExternalID
	if externalID == "" {
		externalID = d.Existing.ExternalID
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET external_id = $1, amount_minor = $2, status = $3, description = $4,
		    merchant = $5, booked_at = $6, fingerprint = $7, category_id = $8, updated_at = NOW()
		WHERE id = $9
	`, nullable(externalID), d.Incoming.AmountMinor, d.Incoming.Status, d.Incoming.Description,
		d.Incoming.Merchant, d.Incoming.BookedAt, d.Incoming.Fingerprint, nullable(d.Incoming.CategoryID), d.Existing.ID)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
