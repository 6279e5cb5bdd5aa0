package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/servisia/wa-engine/internal/storage"
)

const metaSample = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "110000000000000",
    "changes": [{
      "field": "messages",
      "value": {
        "metadata": {"display_phone_number": "628111111111", "phone_number_id": "777"},
        "contacts": [{"profile": {"name": "Budi"}, "wa_id": "628123456789"}],
        "messages": [{
          "from": "628123456789",
          "id": "wamid.ABC123",
          "timestamp": "1724900000",
          "type": "text",
          "text": {"body": "Hello from cloud"}
        }]
      }
    }]
  }]
}`

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newMetaApp(store *fakeStore, verifyToken string, appSecret string) *fiber.App {
	p, _, _, _ := newTestPipeline(store)
	ct := NewController(p, NewMetaHandler(p, verifyToken, appSecret))

	app := fiber.New()
	ct.Register(app.Group("/api/v1"))
	return app
}

func TestMetaVerifyHandshake(t *testing.T) {
	app := newMetaApp(newFakeStore(), "verify-me", "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhook/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "12345" {
		t.Fatalf("challenge echo = %q", body)
	}
}

func TestMetaVerifyRejectsWrongToken(t *testing.T) {
	app := newMetaApp(newFakeStore(), "verify-me", "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhook/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetaInboundPersistsMessage(t *testing.T) {
	store := newFakeStore()
	store.tenantsByPhoneID["777"] = &storage.Tenant{ID: 2, Name: "CloudCo", Status: "active", Provider: storage.ProviderCloud, CloudPhoneID: "777"}
	app := newMetaApp(store, "verify-me", "app-secret")

	body := []byte(metaSample)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/meta", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", signBody("app-secret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if len(store.messages) != 1 {
		t.Fatalf("messages = %+v", store.messages)
	}
	m := store.messages[0]
	if m.Body != "Hello from cloud" || m.ExternalID != "wamid.ABC123" || m.SenderType != storage.SenderCustomer {
		t.Fatalf("message = %+v", m)
	}
	if m.SenderName != "Budi" {
		t.Fatalf("sender name = %q", m.SenderName)
	}
	if store.chats[0].Key != "628123456789@s.whatsapp.net" {
		t.Fatalf("chat key = %q", store.chats[0].Key)
	}
}

func TestMetaInboundRejectsBadSignature(t *testing.T) {
	store := newFakeStore()
	store.tenantsByPhoneID["777"] = &storage.Tenant{ID: 2, Status: "active", Provider: storage.ProviderCloud}
	app := newMetaApp(store, "verify-me", "app-secret")

	body := []byte(metaSample)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/meta", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(store.messages) != 0 {
		t.Fatal("message persisted despite bad signature")
	}
}

func TestMetaInboundIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.tenantsByPhoneID["777"] = &storage.Tenant{ID: 2, Status: "active", Provider: storage.ProviderCloud}
	p, _, _, _ := newTestPipeline(store)

	messages, err := transformMetaPayload([]byte(metaSample))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := p.handleCloudMessage(context.Background(), &messages[0]); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(store.messages))
	}
}

func TestMetaInboundIgnoresUnknownAndInactiveTenants(t *testing.T) {
	store := newFakeStore()
	store.tenantsByPhoneID["888"] = &storage.Tenant{ID: 3, Status: "suspended", Provider: storage.ProviderCloud}
	p, _, _, _ := newTestPipeline(store)

	messages, err := transformMetaPayload([]byte(metaSample))
	if err != nil {
		t.Fatal(err)
	}

	// Unknown phone number id.
	if err := p.handleCloudMessage(context.Background(), &messages[0]); err != nil {
		t.Fatal(err)
	}

	// Known but inactive tenant.
	messages[0].PhoneNumberID = "888"
	if err := p.handleCloudMessage(context.Background(), &messages[0]); err != nil {
		t.Fatal(err)
	}

	if len(store.messages) != 0 {
		t.Fatalf("messages = %+v", store.messages)
	}
}

func TestTransformMetaPayloadHandlesStatusOnlyEvents(t *testing.T) {
	statusOnly := `{"entry": [{"changes": [{"value": {"statuses": [{"id": "wamid.X", "status": "delivered"}]}}]}]}`
	messages, err := transformMetaPayload([]byte(statusOnly))
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestTransformMetaPayloadDocumentFallsBackToFilename(t *testing.T) {
	doc := `{
	  "entry": [{"changes": [{"value": {
	    "metadata": {"phone_number_id": "777"},
	    "messages": [{
	      "from": "628123456789",
	      "id": "wamid.DOC1",
	      "timestamp": "1724900001",
	      "type": "document",
	      "document": {"id": "media-9", "filename": "invoice.pdf", "mime_type": "application/pdf"}
	    }]
	  }}]}]
	}`
	messages, err := transformMetaPayload([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Body != "invoice.pdf" || messages[0].MediaRef != "media-9" {
		t.Fatalf("message = %+v", messages[0])
	}
}

func TestIncomingRouteRejectsMissingIdentity(t *testing.T) {
	app := newMetaApp(newFakeStore(), "verify-me", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/incoming", bytes.NewReader([]byte(`{"event": "", "sessionId": ""}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIncomingRouteAcknowledgesUnknownEvents(t *testing.T) {
	app := newMetaApp(newFakeStore(), "verify-me", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/incoming", bytes.NewReader([]byte(`{"event": "call_offer", "sessionId": "acme", "data": {}}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
