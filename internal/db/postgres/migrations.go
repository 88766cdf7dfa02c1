package postgres

// SQL-миграции встроены в код для упрощения деплоя.
// Номера не переиспользуются: новая схема — новая миграция в конце списка.
var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "members", migration001Members},
	{2, "payment_records", migration002PaymentRecords},
	{3, "subscriptions", migration003Subscriptions},
	{4, "admin", migration004Admin},
	{5, "members_referral_paid", migration005ReferralPaid},
}

var migration001Members = `
CREATE TABLE IF NOT EXISTS members (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT UNIQUE NOT NULL,
    username VARCHAR(255),
    first_name VARCHAR(255) NOT NULL DEFAULT '',
    last_name VARCHAR(255),
    locale VARCHAR(16) NOT NULL DEFAULT 'ru',
    referrer_id BIGINT,
    is_banned BOOLEAN NOT NULL DEFAULT FALSE,
    joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_members_username ON members(LOWER(username));
CREATE INDEX IF NOT EXISTS idx_members_referrer_id ON members(referrer_id);
`

// Баланс не хранится: он всегда считается агрегатом по payment_records.
var migration002PaymentRecords = `
CREATE TABLE IF NOT EXISTS payment_records (
    id VARCHAR(64) PRIMARY KEY,
    tenant VARCHAR(64) NOT NULL,
    user_id BIGINT NOT NULL,
    operation_id VARCHAR(255) NOT NULL,
    amount_minor BIGINT NOT NULL,
    direction VARCHAR(8) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'COMPLETED',
    category VARCHAR(64) NOT NULL,
    currency VARCHAR(8),
    currency_amount_minor BIGINT,
    metadata JSONB,
    noop BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT payment_records_operation_id_key UNIQUE (operation_id),
    CONSTRAINT payment_records_direction_check CHECK (direction IN ('INCOME', 'OUTCOME')),
    CONSTRAINT payment_records_status_check CHECK (status IN ('COMPLETED', 'FAILED', 'PENDING')),
    CONSTRAINT payment_records_amount_check CHECK (amount_minor > 0 OR (noop AND amount_minor = 0))
);
CREATE INDEX IF NOT EXISTS idx_payment_records_user
    ON payment_records(tenant, user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_payment_records_created_at
    ON payment_records(tenant, created_at DESC);
`

var migration003Subscriptions = `
CREATE TABLE IF NOT EXISTS subscriptions (
    tenant VARCHAR(64) NOT NULL,
    user_id BIGINT NOT NULL,
    plan VARCHAR(32) NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant, user_id)
);
CREATE TABLE IF NOT EXISTS subscription_grants (
    operation_id VARCHAR(255) PRIMARY KEY,
    tenant VARCHAR(64) NOT NULL,
    user_id BIGINT NOT NULL,
    plan VARCHAR(32) NOT NULL,
    days INTEGER NOT NULL CHECK (days > 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration004Admin = `
CREATE TABLE IF NOT EXISTS admin_sessions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    session_token VARCHAR(255) UNIQUE,
    authenticated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_admin_sessions_user_id ON admin_sessions(user_id);
CREATE TABLE IF NOT EXISTS admin_login_attempts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    attempt_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    success BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Бонус за приглашение отмечается после зачисления: если начисление упало,
// его повторят при следующем сообщении приглашённого.
var migration005ReferralPaid = `
ALTER TABLE members ADD COLUMN IF NOT EXISTS referral_paid BOOLEAN NOT NULL DEFAULT FALSE;
`
