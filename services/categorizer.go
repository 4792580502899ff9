package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"multibank-api/models"
)

type CategorizerService struct {
	db *sql.DB
}

func NewCategorizerService(db *sql.DB) *CategorizerService {
	return &CategorizerService{db: db}
}

// LoadRuleSet reads categories and their ordered rules. The priority order
// is fixed at configuration time; runtime insertion order plays no part, so
// repeated categorization runs always agree.
func (s *CategorizerService) LoadRuleSet(ctx context.Context) ([]models.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.priority, r.id, r.merchant_pattern, r.amount_sign, r.account_type, r.position
		FROM categories c
		JOIN category_rules r ON r.category_id = c.id
		ORDER BY c.priority, c.id, r.position
	`)
	if err != nil {
		return nil, fmt.Errorf("load categorization rules: %w", err)
	}
	defer rows.Close()

	var categories []models.Category
	index := map[string]int{}

	for rows.Next() {
		var catID, catName string
		var priority int
		var rule models.CategoryRule
		if err := rows.Scan(&catID, &catName, &priority, &rule.ID, &rule.Merchant, &rule.AmountSign, &rule.AccountType, &rule.Position); err != nil {
			return nil, err
		}
		rule.CategoryID = catID

		i, ok := index[catID]
		if !ok {
			categories = append(categories, models.Category{ID: catID, Name: catName, Priority: priority})
			i = len(categories) - 1
			index[catID] = i
		}
		categories[i].Rules = append(categories[i].Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query already orders by priority; keep the invariant explicit for
	// callers holding the slice.
	sort.SliceStable(categories, func(a, b int) bool {
		return categories[a].Priority < categories[b].Priority
	})
	return categories, nil
}

// Categorize returns the id of the first category whose rules fully match,
// or "" when the transaction stays uncategorized. First match wins across
// the priority-ordered category list.
func Categorize(tx models.Transaction, accountType string, categories []models.Category) string {
	haystack := strings.ToLower(tx.Merchant + " " + tx.Description)

	for _, cat := range categories {
		for _, rule := range cat.Rules {
			if ruleMatches(rule, tx, accountType, haystack) {
				return cat.ID
			}
		}
	}
	return ""
}

func ruleMatches(rule models.CategoryRule, tx models.Transaction, accountType, haystack string) bool {
	if rule.Merchant != "" && !strings.Contains(haystack, strings.ToLower(rule.Merchant)) {
		return false
	}
	if rule.AmountSign < 0 && tx.AmountMinor >= 0 {
		return false
	}
	if rule.AmountSign > 0 && tx.AmountMinor <= 0 {
		return false
	}
	if rule.AccountType != "" && rule.AccountType != accountType {
		return false
	}
	return true
}

// Recategorize reapplies the current rule set to every transaction of a
// user, touching only the category column. Safe to run repeatedly, e.g.
// after a rule-set update.
func (s *CategorizerService) Recategorize(ctx context.Context, userID string) (int, error) {
	categories, err := s.LoadRuleSet(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.amount_minor, t.currency, t.description, t.merchant, a.account_type, COALESCE(t.category_id::text, '')
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		JOIN bank_connections bc ON bc.id = a.connection_id
		WHERE bc.user_id = $1
	`, userID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type pending struct {
		id         string
		categoryID string
	}
	var updates []pending

	for rows.Next() {
		var tx models.Transaction
		var accountType, current string
		if err := rows.Scan(&tx.ID, &tx.AmountMinor, &tx.Currency, &tx.Description, &tx.Merchant, &accountType, &current); err != nil {
			return 0, err
		}
		next := Categorize(tx, accountType, categories)
		if next != current {
			updates = append(updates, pending{id: tx.ID, categoryID: next})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, u := range updates {
		var categoryID interface{}
		if u.categoryID != "" {
			categoryID = u.categoryID
		}
		if _, err := s.db.ExecContext(ctx,
			"UPDATE transactions SET category_id = $1 WHERE id = $2",
			categoryID, u.id); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}
