package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type AnalyticsService struct {
	db *sql.DB
}

func NewAnalyticsService(db *sql.DB) *AnalyticsService {
	return &AnalyticsService{db: db}
}

// CategorySpend aggregates one category's booked spending over a period.
// Amounts stay in minor units; formatting is the client's job.
type CategorySpend struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	Currency     string `json:"currency"`
	SpentMinor   int64  `json:"spent_minor"`
	TxCount      int    `json:"tx_count"`
}

// MonthlySummary totals one calendar month of booked activity.
type MonthlySummary struct {
	Month         string `json:"month"` // YYYY-MM
	Currency      string `json:"currency"`
	IncomeMinor   int64  `json:"income_minor"`
	ExpensesMinor int64  `json:"expenses_minor"`
	NetMinor      int64  `json:"net_minor"`
	TxCount       int    `json:"tx_count"`
}

// SpendingByCategory breaks down a user's booked spending per category and
// currency between from and to. Pending transactions are excluded so the
// numbers do not shift when a bank books them. Uncategorized spend shows up
// under an empty category id.
func (s *AnalyticsService) SpendingByCategory(ctx context.Context, userID string, from, to time.Time) ([]CategorySpend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(t.category_id::text, ''), COALESCE(c.name, 'Uncategorized'), t.currency,
		       SUM(-t.amount_minor), COUNT(*)
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		JOIN bank_connections bc ON bc.id = a.connection_id
		LEFT JOIN categories c ON c.id = t.category_id
		WHERE bc.user_id = $1
		  AND t.status = 'booked'
		  AND t.amount_minor < 0
		  AND t.booked_at >= $2 AND t.booked_at < $3
		GROUP BY t.category_id, c.name, t.currency
		ORDER BY SUM(-t.amount_minor) DESC
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("spending by category: %w", err)
	}
	defer rows.Close()

	var breakdown []CategorySpend
	for rows.Next() {
		var entry CategorySpend
		if err := rows.Scan(&entry.CategoryID, &entry.CategoryName, &entry.Currency, &entry.SpentMinor, &entry.TxCount); err != nil {
			return nil, err
		}
		breakdown = append(breakdown, entry)
	}
	return breakdown, rows.Err()
}

// MonthlySummaries returns per-month income/expense totals for the user's
// booked transactions, most recent month first.
func (s *AnalyticsService) MonthlySummaries(ctx context.Context, userID string, months int) ([]MonthlySummary, error) {
	if months <= 0 || months > 36 {
		months = 12
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('month', t.booked_at), 'YYYY-MM') AS month, t.currency,
		       COALESCE(SUM(t.amount_minor) FILTER (WHERE t.amount_minor > 0), 0),
		       COALESCE(SUM(-t.amount_minor) FILTER (WHERE t.amount_minor < 0), 0),
		       COUNT(*)
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		JOIN bank_connections bc ON bc.id = a.connection_id
		WHERE bc.user_id = $1
		  AND t.status = 'booked'
		  AND t.booked_at >= date_trunc('month', NOW()) - ($2 || ' months')::interval
		GROUP BY month, t.currency
		ORDER BY month DESC, t.currency
	`, userID, months)
	if err != nil {
		return nil, fmt.Errorf("monthly summaries: %w", err)
	}
	defer rows.Close()

	var summaries []MonthlySummary
	for rows.Next() {
		var m MonthlySummary
		if err := rows.Scan(&m.Month, &m.Currency, &m.IncomeMinor, &m.ExpensesMinor, &m.TxCount); err != nil {
			return nil, err
		}
		m.NetMinor = m.IncomeMinor - m.ExpensesMinor
		summaries = append(summaries, m)
	}
	return summaries, rows.Err()
}
