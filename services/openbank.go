package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"encoding/json"

	"multibank-api/models"
	"multibank-api/utils"
)

// OpenBankAdapter talks to banks exposing the UK-style Open Banking read
// API: camelCase payloads, unsigned amounts with a creditDebitIndicator,
// page-number pagination.
type OpenBankAdapter struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

func newOpenBankAdapter() (BankAdapter, error) {
	baseURL, err := requireEnv("openbank", "OPENBANK_BASE_URL")
	if err != nil {
		return nil, err
	}
	clientID, err := requireEnv("openbank", "OPENBANK_CLIENT_ID")
	if err != nil {
		return nil, err
	}
	clientSecret, err := requireEnv("openbank", "OPENBANK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	return &OpenBankAdapter{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *OpenBankAdapter) BankID() string   { return "openbank" }
func (s *OpenBankAdapter) BankName() string { return "OpenBank" }

// ========== 1. AUTHORIZATION ==========

func (s *OpenBankAdapter) AuthorizeURL(state, redirectURL string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", s.ClientID)
	q.Set("redirect_uri", redirectURL)
	q.Set("scope", "accounts balances transactions")
	q.Set("state", state)
	return s.BaseURL + "/oauth/authorize?" + q.Encode()
}

type openBankTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
}

func (s *OpenBankAdapter) ExchangeCode(ctx context.Context, code, redirectURL string) (*models.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURL)
	return s.tokenRequest(ctx, form)
}

func (s *OpenBankAdapter) Refresh(ctx context.Context, refreshToken string) (*models.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return s.tokenRequest(ctx, form)
}

func (s *OpenBankAdapter) tokenRequest(ctx context.Context, form url.Values) (*models.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.ClientID, s.ClientSecret)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "openbank token request", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var tokenResp openBankTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &SchemaError{Bank: "openbank", Resource: "token", Detail: utils.TruncatePayload(body)}
	}

	// invalid_grant covers both spent single-use refresh tokens and revoked
	// consent. Retrying the same token would only make things worse.
	if tokenResp.Error == "invalid_grant" {
		return nil, fmt.Errorf("openbank: %s: %w", tokenResp.Error, ErrNeedsReauth)
	}
	if resp.StatusCode != 200 {
		if err := checkResponse("openbank", resp); err != nil {
			return nil, err
		}
	}
	if tokenResp.AccessToken == "" {
		return nil, &SchemaError{Bank: "openbank", Resource: "token", Detail: "empty access_token"}
	}

	return &models.Credential{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// ========== 2. ACCOUNTS ==========

type openBankAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *OpenBankAdapter) FetchAccounts(ctx context.Context, accessToken, cursor string) (*AccountsPage, error) {
	endpoint := s.BaseURL + "/accounts"
	if cursor != "" {
		endpoint += "?page=" + url.QueryEscape(cursor)
	}

	body, err := s.get(ctx, endpoint, accessToken)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data struct {
			Account []struct {
				AccountID   string         `json:"accountId"`
				Nickname    string         `json:"nickname"`
				AccountType string         `json:"accountType"`
				Currency    string         `json:"currency"`
				Balance     openBankAmount `json:"balance"`
				Available   openBankAmount `json:"availableBalance"`
			} `json:"account"`
		} `json:"data"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &SchemaError{Bank: "openbank", Resource: "accounts", Detail: utils.TruncatePayload(body)}
	}

	page := &AccountsPage{NextCursor: result.Links.Next}
	for _, acc := range result.Data.Account {
		if acc.AccountID == "" {
			return nil, &SchemaError{Bank: "openbank", Resource: "accounts", Detail: "account without accountId"}
		}
		page.Accounts = append(page.Accounts, RawAccount{
			ExternalID: acc.AccountID,
			Name:       acc.Nickname,
			NativeType: acc.AccountType,
			Currency:   acc.Currency,
			Balance:    acc.Balance.Amount,
			Available:  acc.Available.Amount,
		})
	}
	return page, nil
}

// ========== 3. TRANSACTIONS ==========

func (s *OpenBankAdapter) FetchTransactions(ctx context.Context, accessToken, externalAccountID, cursor string, since time.Time) (*TransactionsPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("page", cursor)
	}
	if !since.IsZero() {
		q.Set("fromBookingDateTime", since.UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/transactions", s.BaseURL, url.PathEscape(externalAccountID))
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	body, err := s.get(ctx, endpoint, accessToken)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data struct {
			Transaction []struct {
				TransactionID          string         `json:"transactionId"`
				Amount                 openBankAmount `json:"amount"`
				CreditDebitIndicator   string         `json:"creditDebitIndicator"`
				Status                 string         `json:"status"`
				BookingDateTime        string         `json:"bookingDateTime"`
				TransactionInformation string         `json:"transactionInformation"`
				MerchantName           string         `json:"merchantName"`
			} `json:"transaction"`
		} `json:"data"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &SchemaError{Bank: "openbank", Resource: "transactions", Detail: utils.TruncatePayload(body)}
	}

	page := &TransactionsPage{NextCursor: result.Links.Next}
	for _, tx := range result.Data.Transaction {
		bookedAt, err := time.Parse(time.RFC3339, tx.BookingDateTime)
		if err != nil {
			return nil, &SchemaError{Bank: "openbank", Resource: "transactions", Detail: "unparseable bookingDateTime"}
		}

		// OpenBank reports unsigned amounts plus an indicator; the canonical
		// convention is signed, debit negative.
		amount := tx.Amount.Amount
		if tx.CreditDebitIndicator == "Debit" && !strings.HasPrefix(amount, "-") {
			amount = "-" + amount
		}

		status := models.TxBooked
		if tx.Status == "Pending" {
			status = models.TxPending
		}

		page.Transactions = append(page.Transactions, RawTransaction{
			ExternalID:  tx.TransactionID,
			Amount:      amount,
			Currency:    tx.Amount.Currency,
			Status:      status,
			BookedAt:    bookedAt,
			Description: tx.TransactionInformation,
			Merchant:    tx.MerchantName,
		})
	}
	return page, nil
}

func (s *OpenBankAdapter) get(ctx context.Context, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "openbank request", Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse("openbank", resp); err != nil {
		return nil, err
	}

	return io.ReadAll(resp.Body)
}
