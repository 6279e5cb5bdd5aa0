package ingest

import "encoding/json"

// Event kinds the socket gateway posts to the incoming webhook.
const (
	EventMessage     = "message"
	EventReceipt     = "receipt"
	EventTyping      = "typing"
	EventPresence    = "presence"
	EventConnection  = "connection"
	EventHistorySync = "history_sync"
	EventPushName    = "push_name"
)

// Envelope is the gateway's webhook frame.
type Envelope struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// InboundMessage mirrors the gateway's message payload.
type InboundMessage struct {
	ID            string `json:"id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Type          string `json:"type"`
	Body          string `json:"body,omitempty"`
	Caption       string `json:"caption,omitempty"`
	MediaURL      string `json:"mediaUrl,omitempty"`
	MediaMimeType string `json:"mediaMimeType,omitempty"`
	IsGroup       bool   `json:"isGroup"`
	IsFromMe      bool   `json:"isFromMe"`
	PushName      string `json:"pushName,omitempty"`
	GroupName     string `json:"groupName,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type messagePayload struct {
	Message *InboundMessage `json:"message"`
}

type receiptPayload struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

type typingPayload struct {
	Chat   string `json:"chat"`
	Sender string `json:"sender"`
	State  string `json:"state"`
	Media  string `json:"media"`
}

type presencePayload struct {
	From      string `json:"from"`
	Available bool   `json:"available"`
	LastSeen  int64  `json:"lastSeen"`
}

type connectionPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type historySyncPayload struct {
	Type     string `json:"type"`
	Progress int    `json:"progress"`
}

type pushNamePayload struct {
	JID      string `json:"jid"`
	PushName string `json:"pushName"`
	OldName  string `json:"oldName"`
}

// ChatMessage is the enriched message broadcast to bus subscribers after
// persistence.
type ChatMessage struct {
	SessionID  string `json:"sessionId"`
	TenantID   int64  `json:"tenantId"`
	ChatID     int64  `json:"chatId"`
	MessageID  int64  `json:"messageId"`
	ExternalID string `json:"externalId"`
	Key        string `json:"key"`
	SenderName string `json:"senderName"`
	Type       string `json:"type"`
	Body       string `json:"body"`
	MediaRef   string `json:"mediaRef,omitempty"`
	FromMe     bool   `json:"fromMe"`
	Timestamp  int64  `json:"timestamp"`
}

// Receipt is the normalized receipt broadcast on the bus.
type Receipt struct {
	SessionID   string `json:"sessionId"`
	ReceiptType string `json:"receiptType"`
	MessageID   string `json:"messageId"`
	From        string `json:"from"`
	Timestamp   int64  `json:"timestamp"`
}

// Typing is the normalized typing indicator broadcast on the bus.
type Typing struct {
	SessionID   string `json:"sessionId"`
	Chat        string `json:"chat"`
	Sender      string `json:"sender"`
	IsTyping    bool   `json:"isTyping"`
	IsRecording bool   `json:"isRecording"`
}

// Presence is the normalized presence update broadcast on the bus.
type Presence struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"jid"`
	Available bool   `json:"available"`
	LastSeen  int64  `json:"lastSeen"`
}

// HistorySync is the normalized sync progress broadcast on the bus.
type HistorySync struct {
	SessionID string `json:"sessionId"`
	SyncType  string `json:"syncType"`
	Progress  int    `json:"progress"`
}

// SessionAlert is published on the alert topic when a session drops out
// of service.
type SessionAlert struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// PushName is the normalized display-name change broadcast on the bus.
type PushName struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"jid"`
	PushName  string `json:"pushName"`
	OldName   string `json:"oldName"`
}
