package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"multibank-api/models"
)

// The normalizer is a pure mapping from adapter output to the canonical
// model. No I/O happens here; anything it cannot interpret comes back as a
// SchemaError for the caller to isolate.

// minorUnitExponents lists currencies that do not use two decimal places.
// ISO 4217; everything absent defaults to 2.
var minorUnitExponents = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "ISK": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3, "TND": 3,
}

func currencyExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[currency]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits converts a bank-reported decimal string ("12.34") into minor
// units (1234) for the given currency. Fractions finer than the currency's
// minor unit are rejected rather than rounded.
func ToMinorUnits(amount, currency string) (int64, error) {
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("unparseable amount %q: %w", amount, err)
	}
	shifted := d.Shift(currencyExponent(currency))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %q has more precision than %s allows", amount, currency)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q overflows minor units", amount)
	}
	return shifted.IntPart(), nil
}

// FormatMinorUnits renders minor units back to the display string, the exact
// inverse of ToMinorUnits.
func FormatMinorUnits(minor int64, currency string) string {
	return decimal.New(minor, -currencyExponent(currency)).StringFixed(currencyExponent(currency))
}

// accountTypeMap folds both banks' native vocabularies onto the canonical
// account types.
var accountTypeMap = map[string]string{
	"CACC":       models.AccountChecking,
	"current":    models.AccountChecking,
	"Personal":   models.AccountChecking,
	"Business":   models.AccountChecking,
	"SVGS":       models.AccountSavings,
	"savings":    models.AccountSavings,
	"Savings":    models.AccountSavings,
	"CARD":       models.AccountCard,
	"card":       models.AccountCard,
	"credit":     models.AccountCredit,
	"CreditCard": models.AccountCredit,
}

// NormalizeAccount maps a raw account onto the canonical model.
func NormalizeAccount(bankID string, raw RawAccount) (models.BankAccount, error) {
	if raw.ExternalID == "" {
		return models.BankAccount{}, &SchemaError{Bank: bankID, Resource: "account", Detail: "missing external id"}
	}

	currency := raw.Currency
	if currency == "" {
		currency = "EUR"
	}

	balance, err := ToMinorUnits(raw.Balance, currency)
	if err != nil {
		return models.BankAccount{}, &SchemaError{Bank: bankID, Resource: "account", Detail: err.Error()}
	}
	available, err := ToMinorUnits(raw.Available, currency)
	if err != nil {
		return models.BankAccount{}, &SchemaError{Bank: bankID, Resource: "account", Detail: err.Error()}
	}
	if raw.Available == "" {
		available = balance
	}

	accountType, ok := accountTypeMap[raw.NativeType]
	if !ok {
		accountType = models.AccountChecking
	}

	name := raw.Name
	if name == "" {
		name = "Account " + raw.ExternalID
	}

	return models.BankAccount{
		ExternalAccountID: raw.ExternalID,
		Name:              name,
		AccountType:       accountType,
		Currency:          currency,
		BalanceMinor:      balance,
		AvailableMinor:    available,
	}, nil
}

// NormalizeTransaction maps a raw transaction onto the canonical model and
// computes its dedup fingerprint.
func NormalizeTransaction(bankID, externalAccountID string, raw RawTransaction) (models.Transaction, error) {
	currency := raw.Currency
	if currency == "" {
		currency = "EUR"
	}

	minor, err := ToMinorUnits(raw.Amount, currency)
	if err != nil {
		return models.Transaction{}, &SchemaError{Bank: bankID, Resource: "transaction", Detail: err.Error()}
	}

	status := raw.Status
	if status != models.TxBooked && status != models.TxPending {
		return models.Transaction{}, &SchemaError{Bank: bankID, Resource: "transaction", Detail: "unknown status " + status}
	}

	if raw.BookedAt.IsZero() {
		return models.Transaction{}, &SchemaError{Bank: bankID, Resource: "transaction", Detail: "missing booking date"}
	}

	tx := models.Transaction{
		ExternalID:  raw.ExternalID,
		AmountMinor: minor,
		Currency:    currency,
		Status:      status,
		Description: strings.TrimSpace(raw.Description),
		Merchant:    strings.TrimSpace(raw.Merchant),
		BookedAt:    raw.BookedAt.UTC(),
	}
	tx.Fingerprint = Fingerprint(externalAccountID, minor, currency, raw.BookedAt, raw.Description)
	return tx, nil
}

// Fingerprint derives the dedup key used to match a pending transaction
// against its later booked form: deterministic over account, amount,
// currency, booking day and normalized description.
func Fingerprint(externalAccountID string, amountMinor int64, currency string, bookedAt time.Time, description string) string {
	parts := []string{
		externalAccountID,
		strconv.FormatInt(amountMinor, 10),
		currency,
		bookedAt.UTC().Format("2006-01-02"),
		normalizeDescription(description),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// normalizeDescription lowercases and collapses whitespace so cosmetic
// differences between the pending and booked renditions do not break the
// match.
func normalizeDescription(desc string) string {
	return strings.Join(strings.Fields(strings.ToLower(desc)), " ")
}
