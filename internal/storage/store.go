// Package storage defines the data-access surface the engine consumes.
// The persistence engine itself lives outside the core; the Postgres
// implementation here covers the campaign tables (whose transactional
// claim is core behavior) and the query methods the pipeline needs.
package storage

import "context"

// Store is the query surface consumed by the ingestion pipeline and the
// notifier. Lookups that find nothing return nil, nil.
type Store interface {
	// GetOrCreateChat finds or creates the chat for (tenant, key).
	// Idempotent on the unique pair: calling it twice yields the same chat.
	GetOrCreateChat(ctx context.Context, tenantID int64, key string, displayName string, isGroup bool) (*Chat, error)

	GetContactByKey(ctx context.Context, tenantID int64, key string) (*Contact, error)

	// UpsertContactName refreshes the stored push name for a contact.
	UpsertContactName(ctx context.Context, tenantID int64, key string, pushName string) error

	// LogMessage appends a message row and returns its id.
	LogMessage(ctx context.Context, rec *MessageRecord) (int64, error)

	// MessageExists reports whether a message with this external id was
	// already persisted (webhook duplicate suppression).
	MessageExists(ctx context.Context, externalID string) (bool, error)

	GetTenantBySession(ctx context.Context, sessionID string) (*Tenant, error)
	GetTenantByCloudPhoneID(ctx context.Context, phoneID string) (*Tenant, error)
	GetTenantWebhooks(ctx context.Context, tenantID int64) ([]Webhook, error)

	GetSystemSetting(ctx context.Context, key string) (string, error)
	GetSuperAdminsWithPhone(ctx context.Context) ([]UserContact, error)
	GetUsersByTenantWithPhone(ctx context.Context, tenantID int64, roles []string) ([]UserContact, error)

	GetPermanentNumberByTemporaryLink(ctx context.Context, tempID string) (string, error)
}

// CampaignStore drives the bulk-send job queue. ClaimBatch must guarantee
// that no job is handed to two concurrent claimants, across processes.
type CampaignStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]CampaignJob, error)
	MarkSent(ctx context.Context, jobID int64, campaignID int64, externalID string) error
	MarkFailed(ctx context.Context, jobID int64, campaignID int64, errText string) error
}
