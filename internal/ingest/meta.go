package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/servisia/wa-engine/internal/storage"
	"github.com/servisia/wa-engine/pkg/bus"
	"github.com/servisia/wa-engine/pkg/log"
)

// MetaHandler terminates the Meta Cloud API webhook: the verify-token
// handshake and signed inbound message batches.
type MetaHandler struct {
	pipeline    *Pipeline
	verifyToken string

	// appSecret signs payloads. Empty skips signature validation, which
	// is only acceptable outside production.
	appSecret string
}

func NewMetaHandler(pipeline *Pipeline, verifyToken string, appSecret string) *MetaHandler {
	return &MetaHandler{pipeline: pipeline, verifyToken: verifyToken, appSecret: appSecret}
}

// HandleVerify answers Meta's subscription handshake.
func (h *MetaHandler) HandleVerify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Bad Request")
	}
	if mode != "subscribe" || token != h.verifyToken {
		return c.Status(fiber.StatusForbidden).SendString("Forbidden")
	}

	log.Print(c).Info("Meta webhook subscription verified")
	return c.SendString(challenge)
}

// HandleIncoming validates the payload signature and ingests every
// message in the batch. Partial failures never fail the whole batch:
// Meta retry-storms on anything but a 200.
func (h *MetaHandler) HandleIncoming(c *fiber.Ctx) error {
	body := c.Body()
	if !h.signatureValid(c.Get("X-Hub-Signature-256"), body) {
		return c.Status(fiber.StatusUnauthorized).SendString("Invalid Signature")
	}

	messages, err := transformMetaPayload(body)
	if err != nil {
		log.Print(c).WithError(err).Warn("Unparseable Meta webhook payload")
		return c.Status(fiber.StatusBadRequest).SendString("Bad Request")
	}

	for i := range messages {
		if err := h.pipeline.handleCloudMessage(c.UserContext(), &messages[i]); err != nil {
			log.Ingest("", EventMessage).WithError(err).WithField("external_id", messages[i].MessageID).Error("Failed to ingest cloud message")
		}
	}

	return c.SendString("EVENT_RECEIVED")
}

// signatureValid checks the X-Hub-Signature-256 HMAC in constant time.
func (h *MetaHandler) signatureValid(header string, body []byte) bool {
	if h.appSecret == "" {
		return true
	}
	_, signature, found := strings.Cut(header, "=")
	if !found {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// CloudMessage is one Meta inbound message in the normalized shape.
type CloudMessage struct {
	PhoneNumberID string
	From          string
	PushName      string
	MessageID     string
	Timestamp     int64
	Type          string
	Body          string
	MediaRef      string
}

type metaPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
					Image *struct {
						ID       string `json:"id"`
						Caption  string `json:"caption"`
						MimeType string `json:"mime_type"`
					} `json:"image"`
					Document *struct {
						ID       string `json:"id"`
						Caption  string `json:"caption"`
						Filename string `json:"filename"`
						MimeType string `json:"mime_type"`
					} `json:"document"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// transformMetaPayload flattens a Meta webhook batch into normalized
// messages. Status-only changes yield an empty slice, not an error.
func transformMetaPayload(body []byte) ([]CloudMessage, error) {
	var payload metaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	var out []CloudMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			pushName := ""
			if len(value.Contacts) > 0 {
				pushName = value.Contacts[0].Profile.Name
			}

			for _, msg := range value.Messages {
				ts, _ := strconv.ParseInt(msg.Timestamp, 10, 64)
				cm := CloudMessage{
					PhoneNumberID: value.Metadata.PhoneNumberID,
					From:          msg.From,
					PushName:      pushName,
					MessageID:     msg.ID,
					Timestamp:     ts,
					Type:          msg.Type,
				}

				switch msg.Type {
				case "text":
					if msg.Text != nil {
						cm.Body = msg.Text.Body
					}
				case "image":
					if msg.Image != nil {
						cm.Body = msg.Image.Caption
						cm.MediaRef = msg.Image.ID
					}
				case "document":
					if msg.Document != nil {
						cm.Body = msg.Document.Caption
						if cm.Body == "" {
							cm.Body = msg.Document.Filename
						}
						cm.MediaRef = msg.Document.ID
					}
				default:
					cm.Body = "[Unsupported message type: " + msg.Type + "]"
				}

				out = append(out, cm)
			}
		}
	}
	return out, nil
}

// handleCloudMessage ingests one Meta message through the same
// persistence path socket messages take.
func (p *Pipeline) handleCloudMessage(ctx context.Context, msg *CloudMessage) error {
	entry := log.Ingest("", EventMessage).WithField("cloud_phone_id", msg.PhoneNumberID)

	if msg.PhoneNumberID == "" || msg.MessageID == "" {
		return nil
	}

	tenant, err := p.store.GetTenantByCloudPhoneID(ctx, msg.PhoneNumberID)
	if err != nil {
		return err
	}
	if tenant == nil {
		entry.Warn("Cloud message for unknown phone number id, ignoring")
		return nil
	}
	if tenant.Status != "active" {
		entry.Warnf("Tenant %d is inactive, cloud message ignored", tenant.ID)
		return nil
	}

	exists, err := p.store.MessageExists(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	key := p.normalizer.ToSocketFormat(msg.From)
	if key == "" {
		entry.Warn("Cloud message with unusable sender phone, ignoring")
		return nil
	}

	chat, err := p.store.GetOrCreateChat(ctx, tenant.ID, key, msg.PushName, false)
	if err != nil {
		return err
	}

	body := msg.Body
	if body == "" && msg.Type != "" && msg.Type != "text" {
		body = "[" + titleLabel(msg.Type) + "]"
	}
	senderName := p.senderName(ctx, tenant.ID, key, &InboundMessage{PushName: msg.PushName})

	messageID, err := p.store.LogMessage(ctx, &storage.MessageRecord{
		ChatID:     chat.ID,
		SenderType: storage.SenderCustomer,
		SenderName: senderName,
		Type:       msg.Type,
		Body:       body,
		MediaRef:   msg.MediaRef,
		ExternalID: msg.MessageID,
	})
	if err != nil {
		return err
	}

	p.bus.Publish(bus.TopicChatMessage, ChatMessage{
		TenantID:   tenant.ID,
		ChatID:     chat.ID,
		MessageID:  messageID,
		ExternalID: msg.MessageID,
		Key:        key,
		SenderName: senderName,
		Type:       msg.Type,
		Body:       body,
		MediaRef:   msg.MediaRef,
		Timestamp:  msg.Timestamp,
	})
	return nil
}
