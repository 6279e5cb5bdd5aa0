package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/servisia/wa-engine/internal/dispatch"
	"github.com/servisia/wa-engine/internal/gateway"
	"github.com/servisia/wa-engine/pkg/bus"
	"github.com/servisia/wa-engine/pkg/secrets"
)

type fakeConnector struct {
	mu     sync.Mutex
	tokens map[string]string

	loginQR   string
	loginErr  error
	authErr   error
	logins    int32
	logouts   int32
	authCalls int32
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{tokens: make(map[string]string)}
}

func (f *fakeConnector) Authenticate(_ context.Context, sessionID string) (string, error) {
	atomic.AddInt32(&f.authCalls, 1)
	if f.authErr != nil {
		return "", f.authErr
	}
	token := "jwt-" + sessionID
	f.SetToken(sessionID, token)
	return token, nil
}

func (f *fakeConnector) Login(_ context.Context, _ string) (*gateway.LoginResult, error) {
	atomic.AddInt32(&f.logins, 1)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &gateway.LoginResult{QR: f.loginQR}, nil
}

func (f *fakeConnector) Logout(_ context.Context, sessionID string) error {
	atomic.AddInt32(&f.logouts, 1)
	f.RemoveToken(sessionID)
	return nil
}

func (f *fakeConnector) SetToken(sessionID string, token string) {
	f.mu.Lock()
	f.tokens[sessionID] = token
	f.mu.Unlock()
}

func (f *fakeConnector) Token(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[sessionID]
}

func (f *fakeConnector) RemoveToken(sessionID string) {
	f.mu.Lock()
	delete(f.tokens, sessionID)
	f.mu.Unlock()
}

func newTestRegistry(connector Connector, delay time.Duration) (*Registry, *secrets.MemoryStore, *bus.Bus) {
	store := secrets.NewMemoryStore()
	b := bus.New()
	return New(connector, dispatch.New(time.Millisecond), store, b, delay), store, b
}

func TestConnectPersistsTokenAndPublishes(t *testing.T) {
	connector := newFakeConnector()
	r, store, b := newTestRegistry(connector, time.Minute)

	var mu sync.Mutex
	var statuses []Status
	if err := b.Subscribe(bus.TopicSessionUpdate, func(u Update) {
		mu.Lock()
		statuses = append(statuses, u.Status)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	s, err := r.Connect(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusConnected {
		t.Fatalf("status = %s", s.Status)
	}

	token, err := store.Get(context.Background(), "tenant-1")
	if err != nil || token != "jwt-tenant-1" {
		t.Fatalf("stored token = %q, %v", token, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 || statuses[0] != StatusConnecting || statuses[len(statuses)-1] != StatusConnected {
		t.Fatalf("published statuses = %v", statuses)
	}
}

func TestConnectWithQRStaysConnecting(t *testing.T) {
	connector := newFakeConnector()
	connector.loginQR = "2@abc"
	r, _, _ := newTestRegistry(connector, time.Minute)

	s, err := r.Connect(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusConnecting || s.QR != "2@abc" {
		t.Fatalf("session = %+v", s)
	}
}

func TestConnectAuthFailureLeavesDisconnected(t *testing.T) {
	connector := newFakeConnector()
	connector.authErr = errors.New("bad credentials")
	r, _, _ := newTestRegistry(connector, time.Minute)

	if _, err := r.Connect(context.Background(), "tenant-1"); err == nil {
		t.Fatal("expected error")
	}
	s, ok := r.Get("tenant-1")
	if !ok || s.Status != StatusDisconnected {
		t.Fatalf("session = %+v, ok = %v", s, ok)
	}
}

func TestUnexpectedDisconnectReconnectsOnce(t *testing.T) {
	connector := newFakeConnector()
	r, _, _ := newTestRegistry(connector, 20*time.Millisecond)

	if _, err := r.Connect(context.Background(), "tenant-1"); err != nil {
		t.Fatal(err)
	}
	before := atomic.LoadInt32(&connector.logins)

	// Repeated disconnect reports must still arm only one reconnect.
	r.SetStatus("tenant-1", StatusDisconnected)
	r.SetStatus("tenant-1", StatusDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&connector.logins) == before {
		if time.Now().After(deadline) {
			t.Fatal("reconnect never attempted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&connector.logins); got != before+1 {
		t.Fatalf("logins = %d, want %d", got, before+1)
	}
}

func TestReconnectSkippedWhenSessionRecovered(t *testing.T) {
	connector := newFakeConnector()
	r, _, _ := newTestRegistry(connector, 20*time.Millisecond)

	if _, err := r.Connect(context.Background(), "tenant-1"); err != nil {
		t.Fatal(err)
	}
	before := atomic.LoadInt32(&connector.logins)

	r.SetStatus("tenant-1", StatusDisconnected)
	r.SetStatus("tenant-1", StatusConnected)

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&connector.logins); got != before {
		t.Fatalf("logins = %d, want %d (reconnect should be skipped)", got, before)
	}
}

func TestLogoutClearsTokenAndQueue(t *testing.T) {
	connector := newFakeConnector()
	r, store, _ := newTestRegistry(connector, time.Minute)

	if _, err := r.Connect(context.Background(), "tenant-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Logout(context.Background(), "tenant-1"); err != nil {
		t.Fatal(err)
	}

	s, ok := r.Get("tenant-1")
	if !ok || s.Status != StatusLoggedOut {
		t.Fatalf("session = %+v", s)
	}
	token, _ := store.Get(context.Background(), "tenant-1")
	if token != "" {
		t.Fatalf("token still stored: %q", token)
	}
	if atomic.LoadInt32(&connector.logouts) != 1 {
		t.Fatalf("logouts = %d", connector.logouts)
	}
}

func TestDeleteForgetsSession(t *testing.T) {
	connector := newFakeConnector()
	r, store, _ := newTestRegistry(connector, time.Minute)

	if _, err := r.Connect(context.Background(), "tenant-1"); err != nil {
		t.Fatal(err)
	}
	r.Delete(context.Background(), "tenant-1")

	if _, ok := r.Get("tenant-1"); ok {
		t.Fatal("session still registered")
	}
	token, _ := store.Get(context.Background(), "tenant-1")
	if token != "" {
		t.Fatalf("token still stored: %q", token)
	}
	if connector.Token("tenant-1") != "" {
		t.Fatal("gateway token cache not cleared")
	}
}

func TestRestoreLoadsPersistedTokens(t *testing.T) {
	connector := newFakeConnector()
	r, store, _ := newTestRegistry(connector, time.Minute)

	if err := store.Set(context.Background(), "tenant-1", "jwt-old-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(context.Background(), "tenant-2", "jwt-old-2"); err != nil {
		t.Fatal(err)
	}

	if err := r.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&connector.logins) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("logins = %d, want 2", atomic.LoadInt32(&connector.logins))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(r.All()) != 2 {
		t.Fatalf("registered sessions = %d", len(r.All()))
	}
}
