package database

import (
	"fmt"
	"strings"
)

// Timestamps are unix milliseconds so the same statements run on MySQL and SQLite.
var tables = []string{`
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(191) NOT NULL PRIMARY KEY,
    email VARCHAR(255) NOT NULL DEFAULT '',
    plan VARCHAR(16) NOT NULL DEFAULT 'FREE',
    tier VARCHAR(16) NOT NULL DEFAULT 'FREE',
    lifetime_spend BIGINT NOT NULL DEFAULT 0,
    tier_expires_at BIGINT NULL,
    credit_balance BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS credit_packs (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT NOT NULL,
    credits BIGINT NOT NULL,
    bonus_credits BIGINT NOT NULL DEFAULT 0,
    price BIGINT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    tier_unlock VARCHAR(16) NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    is_featured BOOLEAN NOT NULL DEFAULT FALSE,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS credit_transactions (
    id VARCHAR(32) NOT NULL PRIMARY KEY,
    user_id VARCHAR(191) NOT NULL,
    delta BIGINT NOT NULL,
    balance_after BIGINT NOT NULL,
    reason VARCHAR(32) NOT NULL,
    reference_id VARCHAR(191) NULL,
    idempotency_key VARCHAR(191) NULL UNIQUE,
    created_at BIGINT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
)`, `
CREATE TABLE IF NOT EXISTS credit_purchases (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(191) NOT NULL,
    kind VARCHAR(8) NOT NULL,
    pack_id VARCHAR(64) NULL,
    plan VARCHAR(16) NULL,
    original_amount BIGINT NOT NULL,
    discount_amount BIGINT NOT NULL,
    final_amount BIGINT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    charge_amount BIGINT NOT NULL,
    charge_currency VARCHAR(8) NOT NULL,
    credits BIGINT NOT NULL,
    bonus_credits BIGINT NOT NULL DEFAULT 0,
    tier_unlock VARCHAR(16) NULL,
    status VARCHAR(16) NOT NULL,
    failure_reason VARCHAR(255) NOT NULL DEFAULT '',
    promo_code_id VARCHAR(64) NULL,
    promotion_ids TEXT NOT NULL,
    provider VARCHAR(32) NOT NULL,
    external_ref VARCHAR(255) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
)`, `
CREATE TABLE IF NOT EXISTS promo_codes (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    code VARCHAR(64) NOT NULL,
    code_normalized VARCHAR(64) NOT NULL UNIQUE,
    discount_type VARCHAR(16) NOT NULL,
    discount_value BIGINT NOT NULL,
    applicable_packs TEXT NOT NULL,
    applicable_plans TEXT NOT NULL,
    max_redemptions BIGINT NULL,
    max_redemptions_per_user BIGINT NOT NULL DEFAULT 1,
    redemptions BIGINT NOT NULL DEFAULT 0,
    first_time_only BOOLEAN NOT NULL DEFAULT FALSE,
    gateway_coupon_ref VARCHAR(255) NOT NULL DEFAULT '',
    expires_at BIGINT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS promotions (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    discount_type VARCHAR(16) NOT NULL,
    discount_value BIGINT NOT NULL,
    all_packs BOOLEAN NOT NULL DEFAULT FALSE,
    pack_ids TEXT NOT NULL,
    all_plans BOOLEAN NOT NULL DEFAULT FALSE,
    plans TEXT NOT NULL,
    starts_at BIGINT NOT NULL,
    ends_at BIGINT NOT NULL,
    max_redemptions BIGINT NULL,
    max_redemptions_per_user BIGINT NULL,
    redemptions BIGINT NOT NULL DEFAULT 0,
    stackable BOOLEAN NOT NULL DEFAULT FALSE,
    priority INT NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS redemptions (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    source_kind VARCHAR(16) NOT NULL,
    source_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(191) NOT NULL,
    purchase_id VARCHAR(64) NOT NULL,
    created_at BIGINT NOT NULL,
    UNIQUE (source_kind, source_id, purchase_id)
)`, `
CREATE TABLE IF NOT EXISTS outbox_tasks (
    id VARCHAR(32) NOT NULL PRIMARY KEY,
    kind VARCHAR(64) NOT NULL,
    payload TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    next_attempt_at BIGINT NOT NULL,
    last_error TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
}

type index struct {
	name    string
	table   string
	columns []string
}

var indexes = []index{
	{name: "idx_transactions_user", table: "credit_transactions", columns: []string{"user_id", "created_at"}},
	{name: "idx_purchases_user", table: "credit_purchases", columns: []string{"user_id", "status"}},
	{name: "idx_redemptions_user", table: "redemptions", columns: []string{"source_kind", "source_id", "user_id"}},
	{name: "idx_outbox_due", table: "outbox_tasks", columns: []string{"status", "next_attempt_at"}},
}

func (i index) statement(d Dialect) string {
	ifNotExists := ""
	if d == DialectSQLite {
		ifNotExists = "IF NOT EXISTS "
	}
	return fmt.Sprintf("CREATE INDEX %s%s ON %s (%s)", ifNotExists, i.name, i.table, strings.Join(i.columns, ", "))
}
