package notify

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/servisia/wa-engine/internal/dispatch"
	"github.com/servisia/wa-engine/internal/identity"
	"github.com/servisia/wa-engine/internal/storage"
)

type fakeDirectory struct {
	notifierSession string
	tenant          *storage.Tenant
	users           []storage.UserContact
	admins          []storage.UserContact
}

func (f *fakeDirectory) GetSystemSetting(_ context.Context, key string) (string, error) {
	if key == SettingNotifierSession {
		return f.notifierSession, nil
	}
	return "", nil
}

func (f *fakeDirectory) GetTenantBySession(context.Context, string) (*storage.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeDirectory) GetUsersByTenantWithPhone(context.Context, int64, []string) ([]storage.UserContact, error) {
	return f.users, nil
}

func (f *fakeDirectory) GetSuperAdminsWithPhone(context.Context) ([]storage.UserContact, error) {
	return f.admins, nil
}

type sentAlert struct {
	session string
	to      string
	message string
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sentAlert
}

func (f *fakeSender) SendText(_ context.Context, sessionID string, to string, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentAlert{session: sessionID, to: to, message: message})
	return "MSG1", nil
}

func (f *fakeSender) waitForSends(t *testing.T, want int) []sentAlert {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.sends) >= want {
			out := append([]sentAlert(nil), f.sends...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestNotifier(dir *fakeDirectory, sender *fakeSender) *Notifier {
	return New(dir, dispatch.New(time.Millisecond), sender, identity.New("62", nil))
}

func TestSessionDownAlertsStaffAndAdmins(t *testing.T) {
	dir := &fakeDirectory{
		notifierSession: "notifier",
		tenant:          &storage.Tenant{ID: 1, Name: "Acme"},
		users:           []storage.UserContact{{Name: "Agent", Phone: "08123456789"}},
		admins:          []storage.UserContact{{Name: "Root", Phone: "628999888777"}},
	}
	sender := &fakeSender{}
	n := newTestNotifier(dir, sender)

	n.SessionDown(context.Background(), "acme-session", "disconnected")
	sends := sender.waitForSends(t, 2)

	var tos []string
	for _, s := range sends {
		if s.session != "notifier" {
			t.Fatalf("alert sent on session %q, want notifier", s.session)
		}
		tos = append(tos, s.to)
	}
	sort.Strings(tos)
	want := []string{"628123456789@s.whatsapp.net", "628999888777@s.whatsapp.net"}
	for i := range want {
		if tos[i] != want[i] {
			t.Fatalf("recipients = %v, want %v", tos, want)
		}
	}
}

func TestSessionDownDeduplicatesByFormattedPhone(t *testing.T) {
	dir := &fakeDirectory{
		notifierSession: "notifier",
		tenant:          &storage.Tenant{ID: 1},
		users:           []storage.UserContact{{Name: "Agent", Phone: "08123456789"}},
		admins:          []storage.UserContact{{Name: "Same person", Phone: "+628123456789"}},
	}
	sender := &fakeSender{}
	n := newTestNotifier(dir, sender)

	n.SessionDown(context.Background(), "acme-session", "disconnected")
	sends := sender.waitForSends(t, 1)

	time.Sleep(50 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1 after dedupe", len(sender.sends))
	}
	if sends[0].to != "628123456789@s.whatsapp.net" {
		t.Fatalf("recipient = %q", sends[0].to)
	}
}

func TestNotifierNeverAlertsAboutItself(t *testing.T) {
	dir := &fakeDirectory{
		notifierSession: "notifier",
		admins:          []storage.UserContact{{Name: "Root", Phone: "628999888777"}},
	}
	sender := &fakeSender{}
	n := newTestNotifier(dir, sender)

	n.SessionDown(context.Background(), "notifier", "disconnected")

	time.Sleep(50 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sends) != 0 {
		t.Fatalf("self alert sent: %v", sender.sends)
	}
}

func TestSessionDownWithoutNotifierConfiguredIsSilent(t *testing.T) {
	dir := &fakeDirectory{
		admins: []storage.UserContact{{Name: "Root", Phone: "628999888777"}},
	}
	sender := &fakeSender{}
	n := newTestNotifier(dir, sender)

	n.SessionDown(context.Background(), "acme-session", "disconnected")

	time.Sleep(50 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sends) != 0 {
		t.Fatalf("alerts sent without notifier session: %v", sender.sends)
	}
}

func TestSessionDownSkipsRecipientsWithoutUsablePhone(t *testing.T) {
	dir := &fakeDirectory{
		notifierSession: "notifier",
		tenant:          &storage.Tenant{ID: 1},
		users:           []storage.UserContact{{Name: "No phone", Phone: "---"}},
		admins:          []storage.UserContact{{Name: "Root", Phone: "628999888777"}},
	}
	sender := &fakeSender{}
	n := newTestNotifier(dir, sender)

	n.SessionDown(context.Background(), "acme-session", "disconnected")
	sends := sender.waitForSends(t, 1)

	if sends[0].to != "628999888777@s.whatsapp.net" {
		t.Fatalf("recipient = %q", sends[0].to)
	}
}
