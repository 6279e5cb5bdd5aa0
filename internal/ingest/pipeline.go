// Package ingest canonicalizes inbound gateway and cloud webhook events
// into the chat/contact/message model and fans them out to realtime
// subscribers and tenant webhooks.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/servisia/wa-engine/internal/identity"
	"github.com/servisia/wa-engine/internal/session"
	"github.com/servisia/wa-engine/internal/storage"
	"github.com/servisia/wa-engine/pkg/bus"
	"github.com/servisia/wa-engine/pkg/log"
	"github.com/servisia/wa-engine/pkg/validation"
)

const forwardTimeout = 5 * time.Second

const webhookSourceHeader = "servisia-wa-engine"

// SessionStatus receives connection transitions. Satisfied by
// session.Registry.
type SessionStatus interface {
	SetStatus(sessionID string, status session.Status)
}

// Alerter pushes operational alerts when a session drops. Satisfied by
// notify.Notifier.
type Alerter interface {
	SessionDown(ctx context.Context, sessionID string, status string)
}

type Pipeline struct {
	store      storage.Store
	normalizer *identity.Normalizer
	bus        *bus.Bus
	sessions   SessionStatus
	alerter    Alerter

	// defaultWebhook additionally receives every forwarded message,
	// besides the tenant's own subscriber list. Empty disables it.
	defaultWebhook string

	http *http.Client
}

func NewPipeline(store storage.Store, normalizer *identity.Normalizer, b *bus.Bus, sessions SessionStatus, alerter Alerter, defaultWebhook string) *Pipeline {
	return &Pipeline{
		store:          store,
		normalizer:     normalizer,
		bus:            b,
		sessions:       sessions,
		alerter:        alerter,
		defaultWebhook: defaultWebhook,
		http:           &http.Client{Timeout: forwardTimeout},
	}
}

// Handle routes one gateway event to its handler. Unknown kinds are
// logged and dropped; the caller still acknowledges them.
func (p *Pipeline) Handle(ctx context.Context, envelope *Envelope) error {
	entry := log.Ingest(envelope.SessionID, envelope.Event)

	switch envelope.Event {
	case EventMessage:
		var payload messagePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		if payload.Message == nil {
			return nil
		}
		return p.handleMessage(ctx, envelope.SessionID, payload.Message)

	case EventReceipt:
		var payload receiptPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		p.bus.Publish(bus.TopicChatReceipt, Receipt{
			SessionID:   envelope.SessionID,
			ReceiptType: payload.Type,
			MessageID:   payload.MessageID,
			From:        p.normalizer.Normalize(ctx, payload.From),
			Timestamp:   payload.Timestamp,
		})
		return nil

	case EventTyping:
		var payload typingPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		p.bus.Publish(bus.TopicChatTyping, Typing{
			SessionID:   envelope.SessionID,
			Chat:        p.normalizer.Normalize(ctx, payload.Chat),
			Sender:      p.normalizer.Normalize(ctx, payload.Sender),
			IsTyping:    payload.State == "composing",
			IsRecording: payload.Media == "audio",
		})
		return nil

	case EventPresence:
		var payload presencePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		p.bus.Publish(bus.TopicChatPresence, Presence{
			SessionID: envelope.SessionID,
			Key:       p.normalizer.Normalize(ctx, payload.From),
			Available: payload.Available,
			LastSeen:  payload.LastSeen,
		})
		return nil

	case EventConnection:
		var payload connectionPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		p.handleConnection(envelope.SessionID, payload.Status)
		return nil

	case EventHistorySync:
		var payload historySyncPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		p.bus.Publish(bus.TopicChatHistory, HistorySync{
			SessionID: envelope.SessionID,
			SyncType:  payload.Type,
			Progress:  payload.Progress,
		})
		return nil

	case EventPushName:
		var payload pushNamePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		return p.handlePushName(ctx, envelope.SessionID, &payload)

	default:
		entry.Warn("Unknown webhook event kind, ignoring")
		return nil
	}
}

// handleMessage canonicalizes one inbound socket-channel message and runs
// it through the persistence and fan-out pipeline.
func (p *Pipeline) handleMessage(ctx context.Context, sessionID string, msg *InboundMessage) error {
	entry := log.Ingest(sessionID, EventMessage)

	tenant, err := p.store.GetTenantBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if tenant == nil {
		entry.Warn("Message for session without tenant, ignoring")
		return nil
	}
	// A conversation is fed by exactly one provider. While the tenant
	// runs on the cloud API, socket-channel copies are duplicates.
	if tenant.Provider == storage.ProviderCloud {
		entry.Debug("Tenant is on cloud provider, suppressing socket message")
		return nil
	}

	counterpart := msg.From
	if !msg.IsGroup && msg.IsFromMe {
		counterpart = msg.To
	}
	key := p.normalizer.Normalize(ctx, counterpart, identity.AsGroup(msg.IsGroup))
	if key == "" || identity.IsBroadcast(key) {
		entry.Debug("Dropping broadcast or empty counterpart")
		return nil
	}

	if msg.ID != "" {
		exists, err := p.store.MessageExists(ctx, msg.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	displayName := msg.PushName
	if msg.IsGroup {
		displayName = msg.GroupName
	}
	chat, err := p.store.GetOrCreateChat(ctx, tenant.ID, key, displayName, msg.IsGroup)
	if err != nil {
		return err
	}

	body, mediaRef := classifyContent(msg)
	senderName := p.senderName(ctx, tenant.ID, key, msg)

	senderType := storage.SenderCustomer
	if msg.IsFromMe {
		senderType = storage.SenderAgent
	}

	messageID, err := p.store.LogMessage(ctx, &storage.MessageRecord{
		ChatID:     chat.ID,
		SenderType: senderType,
		SenderName: senderName,
		Type:       msg.Type,
		Body:       body,
		MediaRef:   mediaRef,
		ExternalID: msg.ID,
		FromMe:     msg.IsFromMe,
	})
	if err != nil {
		return err
	}

	broadcast := ChatMessage{
		SessionID:  sessionID,
		TenantID:   tenant.ID,
		ChatID:     chat.ID,
		MessageID:  messageID,
		ExternalID: msg.ID,
		Key:        key,
		SenderName: senderName,
		Type:       msg.Type,
		Body:       body,
		MediaRef:   mediaRef,
		FromMe:     msg.IsFromMe,
		Timestamp:  msg.Timestamp,
	}
	p.bus.Publish(bus.TopicChatMessage, broadcast)

	if !msg.IsFromMe {
		p.forward(ctx, tenant, &broadcast)
	}
	return nil
}

// classifyContent reduces media to a caption-or-label surrogate with the
// media reference carried separately; text passes through.
func classifyContent(msg *InboundMessage) (body string, mediaRef string) {
	if msg.Type == "" || msg.Type == "text" {
		return msg.Body, ""
	}
	body = msg.Caption
	if body == "" {
		body = msg.Body
	}
	if body == "" {
		body = "[" + titleLabel(msg.Type) + "]"
	}
	return body, msg.MediaURL
}

func titleLabel(messageType string) string {
	if messageType == "" {
		return "Media"
	}
	return strings.ToUpper(messageType[:1]) + strings.ToLower(messageType[1:])
}

// senderName resolves the display name through the priority chain: event
// push name, stored contact name, then a fallback label.
func (p *Pipeline) senderName(ctx context.Context, tenantID int64, key string, msg *InboundMessage) string {
	if msg.PushName != "" {
		return msg.PushName
	}

	contact, err := p.store.GetContactByKey(ctx, tenantID, key)
	if err != nil {
		log.Ingest("", EventMessage).WithError(err).Warn("Contact lookup failed while resolving sender name")
	}
	if contact != nil && contact.DisplayName != "" {
		return contact.DisplayName
	}

	if msg.IsGroup {
		return identity.User(key)
	}
	return "Customer"
}

// forward posts the message to every tenant webhook plus the default one,
// concurrently and isolated: a dead subscriber only costs a log line.
func (p *Pipeline) forward(ctx context.Context, tenant *storage.Tenant, message *ChatMessage) {
	webhooks, err := p.store.GetTenantWebhooks(ctx, tenant.ID)
	if err != nil {
		log.Ingest(message.SessionID, EventMessage).WithError(err).Error("Failed to load tenant webhooks")
		webhooks = nil
	}

	urls := make([]string, 0, len(webhooks)+1)
	for _, wh := range webhooks {
		if err := validation.ValidateURL(wh.URL); err != nil {
			log.Ingest(message.SessionID, EventMessage).WithField("url", wh.URL).Warn("Skipping malformed tenant webhook URL")
			continue
		}
		urls = append(urls, wh.URL)
	}
	if p.defaultWebhook != "" {
		urls = append(urls, p.defaultWebhook)
	}
	if len(urls) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":      EventMessage,
		"sessionId":  message.SessionID,
		"tenantId":   tenant.ID,
		"tenantName": tenant.Name,
		"message":    message,
	})
	if err != nil {
		log.Ingest(message.SessionID, EventMessage).WithError(err).Error("Failed to encode webhook payload")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			if err := p.post(ctx, url, payload); err != nil {
				log.Ingest(message.SessionID, EventMessage).WithError(err).WithField("url", url).Error("Webhook forward failed")
			}
			// Per-subscriber isolation: never cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) post(ctx context.Context, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Source", webhookSourceHeader)

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// handleConnection applies the transition to the registry and, on a drop,
// alerts operators in the background. Alerting never blocks the ack.
func (p *Pipeline) handleConnection(sessionID string, status string) {
	mapped := session.Status(status)
	switch mapped {
	case session.StatusConnected, session.StatusConnecting, session.StatusDisconnected, session.StatusLoggedOut:
	default:
		log.Ingest(sessionID, EventConnection).Warnf("Unknown connection status %q", status)
		return
	}

	p.sessions.SetStatus(sessionID, mapped)

	if mapped == session.StatusDisconnected || mapped == session.StatusLoggedOut {
		p.bus.Publish(bus.TopicAlert, SessionAlert{SessionID: sessionID, Status: status})
		go p.alerter.SessionDown(context.Background(), sessionID, status)
	}
}

// handlePushName refreshes the stored contact name and broadcasts the
// change.
func (p *Pipeline) handlePushName(ctx context.Context, sessionID string, payload *pushNamePayload) error {
	key := p.normalizer.Normalize(ctx, payload.JID)

	tenant, err := p.store.GetTenantBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if tenant != nil && payload.PushName != "" {
		if err := p.store.UpsertContactName(ctx, tenant.ID, key, payload.PushName); err != nil {
			log.Ingest(sessionID, EventPushName).WithError(err).Warn("Failed to refresh contact push name")
		}
	}

	p.bus.Publish(bus.TopicChatPushName, PushName{
		SessionID: sessionID,
		Key:       key,
		PushName:  payload.PushName,
		OldName:   payload.OldName,
	})
	return nil
}
