package config

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func InitDB() (*sql.DB, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return db, nil
}

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			totp_secret VARCHAR(255),
			totp_enabled BOOLEAN DEFAULT FALSE,
			is_premium BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			refresh_token VARCHAR(500) UNIQUE NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bank_connections (
			id UUID PRIMARY KEY,
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			bank_id VARCHAR(50) NOT NULL,
			bank_name VARCHAR(255) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'pending_auth',
			last_synced_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		// Tokens in this table are AES-GCM ciphertext, never plaintext.
		`CREATE TABLE IF NOT EXISTS credentials (
			connection_id UUID PRIMARY KEY REFERENCES bank_connections(id) ON DELETE CASCADE,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_type VARCHAR(50) DEFAULT 'Bearer',
			scope VARCHAR(255) DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			connection_id UUID REFERENCES bank_connections(id) ON DELETE CASCADE,
			external_account_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			account_type VARCHAR(50) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			balance_minor BIGINT NOT NULL DEFAULT 0,
			available_minor BIGINT NOT NULL DEFAULT 0,
			tx_cursor TEXT,
			last_synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(connection_id, external_account_id)
		)`,

		`CREATE TABLE IF NOT EXISTS categories (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			name VARCHAR(100) UNIQUE NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS category_rules (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			category_id UUID REFERENCES categories(id) ON DELETE CASCADE,
			merchant_pattern VARCHAR(255) NOT NULL DEFAULT '',
			amount_sign INTEGER NOT NULL DEFAULT 0,
			account_type VARCHAR(50) NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			account_id UUID REFERENCES accounts(id) ON DELETE CASCADE,
			external_id VARCHAR(255),
			amount_minor BIGINT NOT NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(20) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			merchant VARCHAR(255),
			booked_at TIMESTAMPTZ NOT NULL,
			category_id UUID REFERENCES categories(id) ON DELETE SET NULL,
			fingerprint VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS sync_runs (
			id UUID PRIMARY KEY,
			connection_id UUID REFERENCES bank_connections(id) ON DELETE CASCADE,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			outcome VARCHAR(50) NOT NULL DEFAULT 'running',
			accounts_synced INTEGER NOT NULL DEFAULT 0,
			accounts_failed INTEGER NOT NULL DEFAULT 0,
			tx_new INTEGER NOT NULL DEFAULT 0,
			tx_updated INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT
		)`,

		// Pending transactions have no external id yet; uniqueness applies
		// only once the bank assigns one.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_account_external
			ON transactions(account_id, external_id) WHERE external_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_fingerprint ON transactions(account_id, fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_booked_at ON transactions(booked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_connection_id ON accounts(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_connections_user_id ON bank_connections(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_connection_id ON sync_runs(connection_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SeedCategories installs the default category rule set on an empty
// database. Existing configurations are left untouched.
func SeedCategories(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM categories").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	type rule struct {
		merchant    string
		amountSign  int
		accountType string
	}
	defaults := []struct {
		name     string
		priority int
		rules    []rule
	}{
		{"Salary", 10, []rule{
			{merchant: "salary", amountSign: 1},
			{merchant: "payroll", amountSign: 1},
		}},
		{"Groceries", 20, []rule{
			{merchant: "supermarket", amountSign: -1},
			{merchant: "grocery", amountSign: -1},
			{merchant: "lidl", amountSign: -1},
			{merchant: "aldi", amountSign: -1},
		}},
		{"Transport", 30, []rule{
			{merchant: "uber", amountSign: -1},
			{merchant: "transit", amountSign: -1},
			{merchant: "railway", amountSign: -1},
			{merchant: "fuel", amountSign: -1},
		}},
		{"Dining", 40, []rule{
			{merchant: "restaurant", amountSign: -1},
			{merchant: "cafe", amountSign: -1},
			{merchant: "coffee", amountSign: -1},
		}},
		{"Subscriptions", 50, []rule{
			{merchant: "netflix", amountSign: -1},
			{merchant: "spotify", amountSign: -1},
			{merchant: "subscription", amountSign: -1},
		}},
		{"Fees", 60, []rule{
			{merchant: "fee", amountSign: -1},
			{merchant: "interest", amountSign: -1, accountType: "credit"},
		}},
	}

	for _, cat := range defaults {
		var categoryID string
		err := db.QueryRow(`
			INSERT INTO categories (name, priority) VALUES ($1, $2) RETURNING id
		`, cat.name, cat.priority).Scan(&categoryID)
		if err != nil {
			return fmt.Errorf("seed category %s: %w", cat.name, err)
		}

		for position, r := range cat.rules {
			_, err := db.Exec(`
				INSERT INTO category_rules (category_id, merchant_pattern, amount_sign, account_type, position)
				VALUES ($1, $2, $3, $4, $5)
			`, categoryID, r.merchant, r.amountSign, r.accountType, position)
			if err != nil {
				return fmt.Errorf("seed rules for %s: %w", cat.name, err)
			}
		}
	}
	return nil
}
