package storage

import "time"

// ProviderType selects a tenant's active WhatsApp backend.
type ProviderType string

const (
	ProviderSocket ProviderType = "socket"
	ProviderCloud  ProviderType = "cloud"
)

// SenderType classifies who authored a persisted message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
)

// Campaign job states. A job moves pending -> processing -> sent|failed
// and is never claimed twice while processing.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobSent       = "sent"
	JobFailed     = "failed"
)

type Tenant struct {
	ID           int64
	Name         string
	Status       string
	Provider     ProviderType
	SessionID    string
	CloudPhoneID string
	CloudToken   string
}

type Contact struct {
	ID          int64
	TenantID    int64
	Key         string
	DisplayName string
	PushName    string
	IsGroup     bool
}

type Chat struct {
	ID        int64
	TenantID  int64
	ContactID int64
	Key       string
	IsGroup   bool
	CreatedAt time.Time
}

// MessageRecord is the append-only message row. ExternalID correlates the
// row with provider receipts later.
type MessageRecord struct {
	ChatID     int64
	SenderType SenderType
	SenderName string
	Type       string
	Body       string
	MediaRef   string
	ExternalID string
	FromMe     bool
}

type Webhook struct {
	ID  int64
	URL string
}

// UserContact is an alert recipient: a platform user with a phone on file.
type UserContact struct {
	Name  string
	Phone string
}

// CampaignJob is one claimed bulk-send job with its tenant joined in, so
// dispatch needs no further lookups.
type CampaignJob struct {
	ID           int64
	CampaignID   int64
	CampaignName string
	Phone        string
	Template     string
	Tenant       Tenant
}
