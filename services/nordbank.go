package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"multibank-api/models"
	"multibank-api/utils"
)

// NordBankAdapter covers the continental PSD2 dialect: snake_case payloads,
// signed transaction amounts, booked and pending listed separately, opaque
// continuation cursors. Pending entries carry no transaction id yet.
type NordBankAdapter struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

func newNordBankAdapter() (BankAdapter, error) {
	baseURL, err := requireEnv("nordbank", "NORDBANK_BASE_URL")
	if err != nil {
		return nil, err
	}
	clientID, err := requireEnv("nordbank", "NORDBANK_CLIENT_ID")
	if err != nil {
		return nil, err
	}
	clientSecret, err := requireEnv("nordbank", "NORDBANK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	return &NordBankAdapter{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *NordBankAdapter) BankID() string   { return "nordbank" }
func (s *NordBankAdapter) BankName() string { return "NordBank" }

// ========== 1. AUTHORIZATION ==========

func (s *NordBankAdapter) AuthorizeURL(state, redirectURL string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", s.ClientID)
	q.Set("redirect_uri", redirectURL)
	q.Set("scope", "ais")
	q.Set("state", state)
	return s.BaseURL + "/auth/authorize?" + q.Encode()
}

func (s *NordBankAdapter) ExchangeCode(ctx context.Context, code, redirectURL string) (*models.Credential, error) {
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURL,
		"client_id":     s.ClientID,
		"client_secret": s.ClientSecret,
	}
	return s.tokenRequest(ctx, payload)
}

func (s *NordBankAdapter) Refresh(ctx context.Context, refreshToken string) (*models.Credential, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     s.ClientID,
		"client_secret": s.ClientSecret,
	}
	return s.tokenRequest(ctx, payload)
}

func (s *NordBankAdapter) tokenRequest(ctx context.Context, payload map[string]string) (*models.Credential, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.BaseURL+"/auth/token", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "nordbank token request", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &SchemaError{Bank: "nordbank", Resource: "token", Detail: utils.TruncatePayload(respBody)}
	}

	// NordBank rotates refresh tokens on every use. invalid_grant means this
	// one was already spent or revoked; only the user can fix that.
	if result.Error == "invalid_grant" {
		return nil, fmt.Errorf("nordbank: %s: %w", result.Error, ErrNeedsReauth)
	}
	if resp.StatusCode != 200 {
		if err := checkResponse("nordbank", resp); err != nil {
			return nil, err
		}
	}
	if result.AccessToken == "" {
		return nil, &SchemaError{Bank: "nordbank", Resource: "token", Detail: "empty access_token"}
	}

	return &models.Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		Scope:        result.Scope,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

// ========== 2. ACCOUNTS ==========

type nordBankAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *NordBankAdapter) FetchAccounts(ctx context.Context, accessToken, cursor string) (*AccountsPage, error) {
	endpoint := s.BaseURL + "/v1/accounts"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	body, err := s.get(ctx, endpoint, accessToken)
	if err != nil {
		return nil, err
	}

	var result struct {
		Accounts []struct {
			ResourceID      string `json:"resource_id"`
			Name            string `json:"name"`
			CashAccountType string `json:"cash_account_type"`
			Currency        string `json:"currency"`
			Balances        []struct {
				BalanceAmount nordBankAmount `json:"balance_amount"`
				BalanceType   string         `json:"balance_type"`
			} `json:"balances"`
		} `json:"accounts"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &SchemaError{Bank: "nordbank", Resource: "accounts", Detail: utils.TruncatePayload(body)}
	}

	page := &AccountsPage{NextCursor: result.NextCursor}
	for _, acc := range result.Accounts {
		if acc.ResourceID == "" {
			return nil, &SchemaError{Bank: "nordbank", Resource: "accounts", Detail: "account without resource_id"}
		}

		raw := RawAccount{
			ExternalID: acc.ResourceID,
			Name:       acc.Name,
			NativeType: acc.CashAccountType,
			Currency:   acc.Currency,
		}
		// closingBooked is the settled balance, interimAvailable what the
		// user can actually spend.
		for _, bal := range acc.Balances {
			switch bal.BalanceType {
			case "closingBooked", "expected":
				raw.Balance = bal.BalanceAmount.Amount
			case "interimAvailable":
				raw.Available = bal.BalanceAmount.Amount
			}
		}
		if raw.Balance == "" {
			raw.Balance = raw.Available
		}

		page.Accounts = append(page.Accounts, raw)
	}
	return page, nil
}

// ========== 3. TRANSACTIONS ==========

type nordBankTransaction struct {
	TransactionID     string         `json:"transaction_id"`
	TransactionAmount nordBankAmount `json:"transaction_amount"`
	BookingDate       string         `json:"booking_date"`
	ValueDate         string         `json:"value_date"`
	CreditorName      string         `json:"creditor_name"`
	DebtorName        string         `json:"debtor_name"`
	RemittanceInfo    string         `json:"remittance_information"`
}

func (s *NordBankAdapter) FetchTransactions(ctx context.Context, accessToken, externalAccountID, cursor string, since time.Time) (*TransactionsPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if !since.IsZero() {
		q.Set("date_from", since.UTC().Format("2006-01-02"))
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions", s.BaseURL, url.PathEscape(externalAccountID))
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	body, err := s.get(ctx, endpoint, accessToken)
	if err != nil {
		return nil, err
	}

	var result struct {
		Booked     []nordBankTransaction `json:"booked"`
		Pending    []nordBankTransaction `json:"pending"`
		NextCursor string                `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &SchemaError{Bank: "nordbank", Resource: "transactions", Detail: utils.TruncatePayload(body)}
	}

	page := &TransactionsPage{NextCursor: result.NextCursor}

	for _, tx := range result.Booked {
		raw, err := s.decodeTransaction(tx, models.TxBooked)
		if err != nil {
			return nil, err
		}
		page.Transactions = append(page.Transactions, raw)
	}
	for _, tx := range result.Pending {
		raw, err := s.decodeTransaction(tx, models.TxPending)
		if err != nil {
			return nil, err
		}
		page.Transactions = append(page.Transactions, raw)
	}
	return page, nil
}

func (s *NordBankAdapter) decodeTransaction(tx nordBankTransaction, status string) (RawTransaction, error) {
	dateStr := tx.BookingDate
	if dateStr == "" {
		dateStr = tx.ValueDate
	}
	bookedAt, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return RawTransaction{}, &SchemaError{Bank: "nordbank", Resource: "transactions", Detail: "unparseable booking_date"}
	}

	// The counterparty is the merchant hint: creditor for outgoing money,
	// debtor for incoming.
	merchant := tx.CreditorName
	if !strings.HasPrefix(tx.TransactionAmount.Amount, "-") && tx.DebtorName != "" {
		merchant = tx.DebtorName
	}

	return RawTransaction{
		ExternalID:  tx.TransactionID,
		Amount:      tx.TransactionAmount.Amount,
		Currency:    tx.TransactionAmount.Currency,
		Status:      status,
		BookedAt:    bookedAt,
		Description: tx.RemittanceInfo,
		Merchant:    merchant,
	}, nil
}

func (s *NordBankAdapter) get(ctx context.Context, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "nordbank request", Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse("nordbank", resp); err != nil {
		return nil, err
	}

	return io.ReadAll(resp.Body)
}
