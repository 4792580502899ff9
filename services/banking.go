package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"multibank-api/models"
	"multibank-api/utils"
)

var ErrConnectionNotFound = errors.New("bank connection not found")

type BankingService struct {
	db *sql.DB
}

func NewBankingService(db *sql.DB) *BankingService {
	return &BankingService{db: db}
}

// ============================================================================
// CONNECTIONS
// ============================================================================

// CreateConnection registers a pending link between a user and a bank. It
// stays pending_auth until the OAuth callback stores a credential.
func (s *BankingService) CreateConnection(ctx context.Context, userID, bankID, bankName string) (models.BankConnection, error) {
	conn := models.BankConnection{
		ID:       uuid.NewString(),
		UserID:   userID,
		BankID:   bankID,
		BankName: bankName,
		Status:   models.ConnectionPendingAuth,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bank_connections (id, user_id, bank_id, bank_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`, conn.ID, userID, bankID, bankName, conn.Status).Scan(&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return conn, fmt.Errorf("create connection: %w", err)
	}
	return conn, nil
}

func (s *BankingService) GetConnection(ctx context.Context, connectionID string) (models.BankConnection, error) {
	var conn models.BankConnection
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, bank_id, bank_name, status, last_synced_at, COALESCE(last_error, ''), created_at, updated_at
		FROM bank_connections
		WHERE id = $1
	`, connectionID).Scan(&conn.ID, &conn.UserID, &conn.BankID, &conn.BankName, &conn.Status,
		&conn.LastSyncedAt, &conn.LastError, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conn, ErrConnectionNotFound
	}
	if err != nil {
		return conn, fmt.Errorf("load connection: %w", err)
	}
	return conn, nil
}

// GetUserConnection loads a connection and verifies ownership. Connections
// are never shared across users.
func (s *BankingService) GetUserConnection(ctx context.Context, userID, connectionID string) (models.BankConnection, error) {
	conn, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return conn, err
	}
	if conn.UserID != userID {
		return models.BankConnection{}, ErrConnectionNotFound
	}
	return conn, nil
}

func (s *BankingService) GetUserConnections(ctx context.Context, userID string) ([]models.BankConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, bank_id, bank_name, status, last_synced_at, COALESCE(last_error, ''), created_at, updated_at
		FROM bank_connections
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []models.BankConnection
	for rows.Next() {
		var conn models.BankConnection
		err := rows.Scan(&conn.ID, &conn.UserID, &conn.BankID, &conn.BankName, &conn.Status,
			&conn.LastSyncedAt, &conn.LastError, &conn.CreatedAt, &conn.UpdatedAt)
		if err != nil {
			return nil, err
		}

		accounts, err := s.GetAccountsByConnection(ctx, conn.ID)
		if err == nil {
			conn.Accounts = accounts
		}

		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

func (s *BankingService) UpdateConnectionStatus(ctx context.Context, connectionID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, status, lastError, connectionID)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}

// MarkSynced records a successful (or partially successful) sync.
func (s *BankingService) MarkSynced(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET status = $1, last_error = '', last_synced_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, models.ConnectionActive, connectionID)
	return err
}

// DeleteConnection removes a connection with its accounts, transactions and
// credential in one transaction.
func (s *BankingService) DeleteConnection(ctx context.Context, connectionID string) error {
	return utils.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transactions
			WHERE account_id IN (SELECT id FROM accounts WHERE connection_id = $1)
		`, connectionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE connection_id = $1", connectionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE connection_id = $1", connectionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM bank_connections WHERE id = $1", connectionID); err != nil {
			return err
		}
		return nil
	})
}

// ListStaleConnections returns active connections whose last sync is older
// than maxAge, for the background scheduler.
func (s *BankingService) ListStaleConnections(ctx context.Context, maxAge time.Duration) ([]models.BankConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, bank_id, bank_name, status, last_synced_at, COALESCE(last_error, ''), created_at, updated_at
		FROM bank_connections
		WHERE status = $1 AND (last_synced_at IS NULL OR last_synced_at < $2)
		ORDER BY last_synced_at NULLS FIRST
	`, models.ConnectionActive, time.Now().Add(-maxAge))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []models.BankConnection
	for rows.Next() {
		var conn models.BankConnection
		err := rows.Scan(&conn.ID, &conn.UserID, &conn.BankID, &conn.BankName, &conn.Status,
			&conn.LastSyncedAt, &conn.LastError, &conn.CreatedAt, &conn.UpdatedAt)
		if err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

// ============================================================================
// ACCOUNTS
// ============================================================================

// UpsertAccount makes sure an account row exists for (connection, external
// id) and returns it with its stored cursor. Identity fields are immutable
// after creation; balances are written later inside the reconciliation
// commit.
func (s *BankingService) UpsertAccount(ctx context.Context, connectionID string, account models.BankAccount) (models.BankAccount, error) {
	account.ConnectionID = connectionID

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, connection_id, external_account_id, name, account_type, currency,
		                      balance_minor, available_minor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (connection_id, external_account_id)
		DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()
		RETURNING id, COALESCE(tx_cursor, '')
	`, uuid.NewString(), connectionID, account.ExternalAccountID, account.Name, account.AccountType,
		account.Currency, account.BalanceMinor, account.AvailableMinor).Scan(&account.ID, &account.TxCursor)
	if err != nil {
		return account, fmt.Errorf("upsert account: %w", err)
	}
	return account, nil
}

func (s *BankingService) GetAccountsByConnection(ctx context.Context, connectionID string) ([]models.BankAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, external_account_id, name, account_type, currency,
		       balance_minor, available_minor, COALESCE(tx_cursor, ''), COALESCE(last_synced_at, 'epoch'::timestamptz)
		FROM accounts
		WHERE connection_id = $1
		ORDER BY name
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccounts(rows)
}

func (s *BankingService) GetUserAccounts(ctx context.Context, userID string) ([]models.BankAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.connection_id, a.external_account_id, a.name, a.account_type, a.currency,
		       a.balance_minor, a.available_minor, COALESCE(a.tx_cursor, ''), COALESCE(a.last_synced_at, 'epoch'::timestamptz)
		FROM accounts a
		JOIN bank_connections bc ON bc.id = a.connection_id
		WHERE bc.user_id = $1
		ORDER BY a.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccounts(rows)
}

func scanAccounts(rows *sql.Rows) ([]models.BankAccount, error) {
	var accounts []models.BankAccount
	for rows.Next() {
		var acc models.BankAccount
		err := rows.Scan(&acc.ID, &acc.ConnectionID, &acc.ExternalAccountID, &acc.Name, &acc.AccountType,
			&acc.Currency, &acc.BalanceMinor, &acc.AvailableMinor, &acc.TxCursor, &acc.LastSyncedAt)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

type TransactionFilters struct {
	AccountID  string
	CategoryID string
	Limit      int
	Offset     int
}

func (s *BankingService) GetUserTransactions(ctx context.Context, userID string, filters TransactionFilters) ([]models.Transaction, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 50
	}

	query := `
		SELECT t.id, t.account_id, COALESCE(t.external_id, ''), t.amount_minor, t.currency, t.status,
		       t.description, COALESCE(t.merchant, ''), t.booked_at, COALESCE(t.category_id::text, ''), t.fingerprint, t.created_at
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		JOIN bank_connections bc ON bc.id = a.connection_id
		WHERE bc.user_id = $1
	`
	args := []interface{}{userID}

	if filters.AccountID != "" {
		args = append(args, filters.AccountID)
		query += fmt.Sprintf(" AND t.account_id = $%d", len(args))
	}
	if filters.CategoryID != "" {
		args = append(args, filters.CategoryID)
		query += fmt.Sprintf(" AND t.category_id = $%d", len(args))
	}

	args = append(args, filters.Limit, filters.Offset)
	query += fmt.Sprintf(" ORDER BY t.booked_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		err := rows.Scan(&tx.ID, &tx.AccountID, &tx.ExternalID, &tx.AmountMinor, &tx.Currency, &tx.Status,
			&tx.Description, &tx.Merchant, &tx.BookedAt, &tx.CategoryID, &tx.Fingerprint, &tx.CreatedAt)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ============================================================================
// SYNC RUNS
// ============================================================================

func (s *BankingService) CreateSyncRun(ctx context.Context, connectionID string) (models.SyncRun, error) {
	run := models.SyncRun{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Outcome:      models.RunRunning,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_runs (id, connection_id, started_at, outcome)
		VALUES ($1, $2, NOW(), $3)
		RETURNING started_at
	`, run.ID, connectionID, run.Outcome).Scan(&run.StartedAt)
	if err != nil {
		return run, fmt.Errorf("create sync run: %w", err)
	}
	return run, nil
}

func (s *BankingService) FinishSyncRun(ctx context.Context, run models.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = NOW(), outcome = $1, accounts_synced = $2, accounts_failed = $3,
		    tx_new = $4, tx_updated = $5, error_detail = $6
		WHERE id = $7
	`, run.Outcome, run.AccountsSynced, run.AccountsFailed, run.TxNew, run.TxUpdated, run.ErrorDetail, run.ID)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

func (s *BankingService) GetSyncRuns(ctx context.Context, connectionID string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, started_at, finished_at, outcome, accounts_synced, accounts_failed,
		       tx_new, tx_updated, COALESCE(error_detail, '')
		FROM sync_runs
		WHERE connection_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		err := rows.Scan(&run.ID, &run.ConnectionID, &run.StartedAt, &run.FinishedAt, &run.Outcome,
			&run.AccountsSynced, &run.AccountsFailed, &run.TxNew, &run.TxUpdated, &run.ErrorDetail)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
