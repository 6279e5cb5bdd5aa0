package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/servisia/wa-engine/pkg/env"
)

// Postgres implements Store and CampaignStore over database/sql with the
// pgx stdlib driver.
type Postgres struct {
	db *sql.DB

	tenantMu       sync.RWMutex
	tenantCache    map[string]tenantCacheEntry
	tenantCacheTTL time.Duration
}

type tenantCacheEntry struct {
	tenant    *Tenant
	expiresAt time.Time
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(env.GetEnvIntOrDefault("DATABASE_MAX_OPEN_CONNS", 10))
	db.SetMaxIdleConns(env.GetEnvIntOrDefault("DATABASE_MAX_IDLE_CONNS", 5))
	db.SetConnMaxLifetime(env.GetEnvDurationOrDefault("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute))

	ttlSeconds := env.GetEnvIntOrDefault("TENANT_CACHE_TTL_SECONDS", 15)
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}

	return &Postgres{
		db:             db,
		tenantCache:    make(map[string]tenantCacheEntry),
		tenantCacheTTL: time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) GetOrCreateChat(ctx context.Context, tenantID int64, key string, displayName string, isGroup bool) (*Chat, error) {
	contactID, err := p.upsertContact(ctx, tenantID, key, displayName, isGroup)
	if err != nil {
		return nil, err
	}

	// Creation is idempotent on the unique (tenant, contact) pair; the
	// no-op update makes RETURNING yield the existing row on conflict.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO chats (tenant_id, contact_id, chat_key, is_group)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, contact_id) DO UPDATE SET contact_id = EXCLUDED.contact_id
		RETURNING id, tenant_id, contact_id, chat_key, is_group, created_at
	`, tenantID, contactID, key, isGroup)

	var chat Chat
	if err := row.Scan(&chat.ID, &chat.TenantID, &chat.ContactID, &chat.Key, &chat.IsGroup, &chat.CreatedAt); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (p *Postgres) upsertContact(ctx context.Context, tenantID int64, key string, displayName string, isGroup bool) (int64, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO contacts (tenant_id, contact_key, display_name, is_group)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (tenant_id, contact_key) DO UPDATE
		SET display_name = COALESCE(EXCLUDED.display_name, contacts.display_name)
		RETURNING id
	`, tenantID, key, displayName, isGroup)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Postgres) GetContactByKey(ctx context.Context, tenantID int64, key string) (*Contact, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, contact_key, COALESCE(display_name, ''), COALESCE(push_name, ''), is_group
		FROM contacts
		WHERE tenant_id = $1 AND contact_key = $2
	`, tenantID, key)

	var c Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.Key, &c.DisplayName, &c.PushName, &c.IsGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) UpsertContactName(ctx context.Context, tenantID int64, key string, pushName string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, contact_key, push_name, is_group)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (tenant_id, contact_key) DO UPDATE SET push_name = EXCLUDED.push_name
	`, tenantID, key, pushName)
	return err
}

func (p *Postgres) LogMessage(ctx context.Context, rec *MessageRecord) (int64, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, sender_type, sender_name, message_type, body, media_ref, wa_message_id, is_from_me)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING id
	`, rec.ChatID, rec.SenderType, rec.SenderName, rec.Type, rec.Body, rec.MediaRef, rec.ExternalID, rec.FromMe)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Postgres) MessageExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE wa_message_id = $1)`,
		externalID,
	).Scan(&exists)
	return exists, err
}

func (p *Postgres) GetTenantBySession(ctx context.Context, sessionID string) (*Tenant, error) {
	if t, ok := p.cachedTenant("session:" + sessionID); ok {
		return t, nil
	}
	t, err := p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, company_name, status, wa_provider,
		       COALESCE(session_id, ''), COALESCE(cloud_phone_id, ''), COALESCE(cloud_token, '')
		FROM tenants
		WHERE session_id = $1
	`, sessionID))
	if err != nil {
		return nil, err
	}
	p.cacheTenant("session:"+sessionID, t)
	return t, nil
}

func (p *Postgres) GetTenantByCloudPhoneID(ctx context.Context, phoneID string) (*Tenant, error) {
	if t, ok := p.cachedTenant("phone:" + phoneID); ok {
		return t, nil
	}
	t, err := p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, company_name, status, wa_provider,
		       COALESCE(session_id, ''), COALESCE(cloud_phone_id, ''), COALESCE(cloud_token, '')
		FROM tenants
		WHERE cloud_phone_id = $1
	`, phoneID))
	if err != nil {
		return nil, err
	}
	p.cacheTenant("phone:"+phoneID, t)
	return t, nil
}

func (p *Postgres) scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Provider, &t.SessionID, &t.CloudPhoneID, &t.CloudToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) cachedTenant(key string) (*Tenant, bool) {
	if p.tenantCacheTTL <= 0 {
		return nil, false
	}
	p.tenantMu.RLock()
	entry, ok := p.tenantCache[key]
	p.tenantMu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.tenant, true
}

func (p *Postgres) cacheTenant(key string, t *Tenant) {
	if p.tenantCacheTTL <= 0 || t == nil {
		return
	}
	p.tenantMu.Lock()
	p.tenantCache[key] = tenantCacheEntry{tenant: t, expiresAt: time.Now().Add(p.tenantCacheTTL)}
	p.tenantMu.Unlock()
}

func (p *Postgres) GetTenantWebhooks(ctx context.Context, tenantID int64) ([]Webhook, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, url
		FROM tenant_webhooks
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.URL); err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (p *Postgres) GetSystemSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (p *Postgres) GetSuperAdminsWithPhone(ctx context.Context) ([]UserContact, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, phone_number
		FROM users
		WHERE role = 'super_admin'
		  AND status = 'active'
		  AND phone_number IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserContacts(rows)
}

func (p *Postgres) GetUsersByTenantWithPhone(ctx context.Context, tenantID int64, roles []string) ([]UserContact, error) {
	query := `
		SELECT name, phone_number
		FROM users
		WHERE tenant_id = $1
		  AND status = 'active'
		  AND phone_number IS NOT NULL
	`
	args := []interface{}{tenantID}
	if len(roles) > 0 {
		query += ` AND role = ANY($2)`
		args = append(args, roles)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserContacts(rows)
}

func scanUserContacts(rows *sql.Rows) ([]UserContact, error) {
	var users []UserContact
	for rows.Next() {
		var u UserContact
		if err := rows.Scan(&u.Name, &u.Phone); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) GetPermanentNumberByTemporaryLink(ctx context.Context, tempID string) (string, error) {
	var phone string
	err := p.db.QueryRowContext(ctx,
		`SELECT phone_number FROM lid_mappings WHERE lid = $1`, tempID,
	).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return phone, err
}
