package models

import (
	"time"
)

// BankConnection statuses. A connection moves from pending_auth to active
// once the OAuth callback completes, and to token_expired when refresh is
// no longer possible without the user re-linking the bank.
const (
	ConnectionPendingAuth  = "pending_auth"
	ConnectionActive       = "active"
	ConnectionTokenExpired = "token_expired"
	ConnectionRevoked      = "revoked"
	ConnectionError        = "error"
)

type BankConnection struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	BankID       string        `json:"bank_id"`
	BankName     string        `json:"bank_name"`
	Status       string        `json:"status"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Accounts     []BankAccount `json:"accounts,omitempty"`
}

// Credential holds one connection's OAuth tokens. Tokens are encrypted
// before they touch the database and are never serialized to JSON.
type Credential struct {
	ConnectionID string    `json:"-"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"-"`
	Scope        string    `json:"-"`
	ExpiresAt    time.Time `json:"-"`
}

// Expired reports whether the access token needs a refresh before use.
// A small skew keeps us from handing out tokens that die mid-request.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.Add(30*time.Second).After(c.ExpiresAt)
}

// Account types in the canonical model.
const (
	AccountChecking = "checking"
	AccountSavings  = "savings"
	AccountCredit   = "credit"
	AccountCard     = "card"
)

type BankAccount struct {
	ID                string    `json:"id"`
	ConnectionID      string    `json:"connection_id"`
	ExternalAccountID string    `json:"-"` // bank-assigned, internal use only
	Name              string    `json:"name"`
	AccountType       string    `json:"account_type"`
	Currency          string    `json:"currency"`
	BalanceMinor      int64     `json:"balance_minor"`
	AvailableMinor    int64     `json:"available_minor"`
	TxCursor          string    `json:"-"` // incremental fetch cursor
	LastSyncedAt      time.Time `json:"last_synced_at"`
}

// Transaction statuses as reported by the banks.
const (
	TxBooked  = "booked"
	TxPending = "pending"
)

type Transaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	ExternalID  string    `json:"-"` // empty while the bank reports it pending
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Merchant    string    `json:"merchant,omitempty"`
	BookedAt    time.Time `json:"booked_at"`
	CategoryID  string    `json:"category_id,omitempty"`
	Fingerprint string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type Category struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Priority int            `json:"priority"`
	Rules    []CategoryRule `json:"rules,omitempty"`
}

// CategoryRule matches a transaction when every non-empty field matches.
// AmountSign is -1 for spend, +1 for income, 0 for either.
type CategoryRule struct {
	ID          string `json:"id"`
	CategoryID  string `json:"category_id"`
	Merchant    string `json:"merchant"` // substring of merchant or description
	AmountSign  int    `json:"amount_sign"`
	AccountType string `json:"account_type"`
	Position    int    `json:"position"`
}

// SyncRun outcomes.
const (
	RunRunning        = "running"
	RunSuccess        = "success"
	RunPartialFailure = "partial_failure"
	RunFailure        = "failure"
)

// SyncRun is the append-only audit record of one orchestration attempt.
type SyncRun struct {
	ID             string     `json:"id"`
	ConnectionID   string     `json:"connection_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Outcome        string     `json:"outcome"`
	AccountsSynced int        `json:"accounts_synced"`
	AccountsFailed int        `json:"accounts_failed"`
	TxNew          int        `json:"tx_new"`
	TxUpdated      int        `json:"tx_updated"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
}
