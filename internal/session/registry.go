// Package session tracks the lifecycle of socket-gateway sessions: one
// registry entry per session key, mutated under a per-key lock so state
// transitions never interleave.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/servisia/wa-engine/internal/dispatch"
	"github.com/servisia/wa-engine/internal/gateway"
	"github.com/servisia/wa-engine/pkg/bus"
	"github.com/servisia/wa-engine/pkg/log"
	"github.com/servisia/wa-engine/pkg/secrets"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusLoggedOut    Status = "logged_out"
)

// DefaultReconnectDelay is how long an unexpectedly disconnected session
// waits before a single reconnect attempt.
const DefaultReconnectDelay = 5 * time.Second

const sessionLockTTL = 5 * time.Minute

type Session struct {
	ID        string
	Status    Status
	QR        string
	UpdatedAt time.Time
}

// Update is the payload published on the session.update topic.
type Update struct {
	SessionID string
	Status    Status
	QR        string
}

// Connector is the slice of the gateway client the registry drives.
type Connector interface {
	Authenticate(ctx context.Context, sessionID string) (string, error)
	Login(ctx context.Context, sessionID string) (*gateway.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	SetToken(sessionID string, token string)
	Token(sessionID string) string
	RemoveToken(sessionID string)
}

type entry struct {
	mu             sync.Mutex
	session        Session
	reconnectArmed bool
}

type Registry struct {
	connector      Connector
	scheduler      *dispatch.Scheduler
	secrets        secrets.Store
	bus            *bus.Bus
	reconnectDelay time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func New(connector Connector, scheduler *dispatch.Scheduler, store secrets.Store, b *bus.Bus, reconnectDelay time.Duration) *Registry {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Registry{
		connector:      connector,
		scheduler:      scheduler,
		secrets:        store,
		bus:            b,
		reconnectDelay: reconnectDelay,
		entries:        make(map[string]*entry),
	}
}

func (r *Registry) entry(sessionID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{session: Session{ID: sessionID, Status: StatusDisconnected, UpdatedAt: time.Now()}}
		r.entries[sessionID] = e
	}
	return e
}

// Get returns a snapshot of the session, if the registry knows it.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sessions = append(sessions, e.session)
		e.mu.Unlock()
	}
	return sessions
}

// setLocked records a transition and publishes it. Caller holds e.mu.
func (r *Registry) setLocked(e *entry, status Status, qr string) {
	e.session.Status = status
	e.session.QR = qr
	e.session.UpdatedAt = time.Now()
	r.bus.Publish(bus.TopicSessionUpdate, Update{SessionID: e.session.ID, Status: status, QR: qr})
}

// Connect authenticates against the gateway and starts (or resumes) the
// WhatsApp link. A QR payload in the result means the device still needs
// pairing; the session stays in connecting until the gateway reports
// a connection event.
func (r *Registry) Connect(ctx context.Context, sessionID string) (Session, error) {
	e := r.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := r.secrets.Lock(ctx, sessionID, sessionLockTTL); err != nil {
		return e.session, err
	}

	r.setLocked(e, StatusConnecting, "")

	token, err := r.connector.Authenticate(ctx, sessionID)
	if err != nil {
		r.setLocked(e, StatusDisconnected, "")
		return e.session, err
	}
	if err := r.secrets.Set(ctx, sessionID, token); err != nil {
		log.Session(sessionID).WithError(err).Warn("Failed to persist session token")
	}

	result, err := r.connector.Login(ctx, sessionID)
	if err != nil {
		r.setLocked(e, StatusDisconnected, "")
		return e.session, err
	}

	if result.QR != "" {
		r.setLocked(e, StatusConnecting, result.QR)
	} else {
		r.setLocked(e, StatusConnected, "")
	}
	return e.session, nil
}

// SetStatus applies a transition reported by the gateway (connection
// webhooks). A drop out of connected arms one delayed reconnect.
func (r *Registry) SetStatus(sessionID string, status Status) {
	e := r.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	wasConnected := e.session.Status == StatusConnected
	r.setLocked(e, status, "")

	if status == StatusDisconnected && wasConnected {
		r.armReconnectLocked(e)
	}
	if status == StatusLoggedOut {
		r.scheduler.Close(sessionID)
	}
}

// armReconnectLocked schedules at most one pending reconnect for the
// entry. Caller holds e.mu.
func (r *Registry) armReconnectLocked(e *entry) {
	if e.reconnectArmed {
		return
	}
	e.reconnectArmed = true
	sessionID := e.session.ID

	go func() {
		time.Sleep(r.reconnectDelay)

		e.mu.Lock()
		e.reconnectArmed = false
		stale := e.session.Status != StatusDisconnected
		e.mu.Unlock()
		if stale {
			return
		}

		log.Session(sessionID).Info("Attempting delayed session reconnect")
		if _, err := r.Connect(context.Background(), sessionID); err != nil {
			log.Session(sessionID).WithError(err).Error("Delayed reconnect failed")
		}
	}()
}

// Logout tears down the WhatsApp link and marks the session logged out.
// Queued sends fail; the stored token and lock are released.
func (r *Registry) Logout(ctx context.Context, sessionID string) error {
	e := r.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	err := r.connector.Logout(ctx, sessionID)
	r.setLocked(e, StatusLoggedOut, "")
	r.scheduler.Close(sessionID)

	if derr := r.secrets.Delete(ctx, sessionID); derr != nil {
		log.Session(sessionID).WithError(derr).Warn("Failed to delete session token")
	}
	if uerr := r.secrets.Unlock(ctx, sessionID); uerr != nil {
		log.Session(sessionID).WithError(uerr).Warn("Failed to release session lock")
	}
	return err
}

// Delete removes a session from the registry entirely, clearing its
// dispatch queue, cached gateway token, stored secret and lock.
func (r *Registry) Delete(ctx context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()

	r.scheduler.Close(sessionID)
	r.connector.RemoveToken(sessionID)

	if err := r.secrets.Delete(ctx, sessionID); err != nil {
		log.Session(sessionID).WithError(err).Warn("Failed to delete session token")
	}
	if err := r.secrets.Unlock(ctx, sessionID); err != nil {
		log.Session(sessionID).WithError(err).Warn("Failed to release session lock")
	}
}

// Restore loads persisted session tokens at startup and reconnects each
// session in the background.
func (r *Registry) Restore(ctx context.Context) error {
	tokens, err := r.secrets.All(ctx)
	if err != nil {
		return err
	}

	for sessionID, token := range tokens {
		r.connector.SetToken(sessionID, token)
		r.entry(sessionID)

		go func(id string) {
			if _, err := r.Connect(context.Background(), id); err != nil {
				log.Session(id).WithError(err).Error("Failed to restore session")
			}
		}(sessionID)
	}

	log.Print(nil).Infof("Restoring %d persisted sessions", len(tokens))
	return nil
}

// RefreshTokens re-authenticates every live session against the gateway
// and persists the fresh JWTs. Run periodically so cached tokens never
// expire mid-send.
func (r *Registry) RefreshTokens(ctx context.Context) {
	for _, s := range r.All() {
		if s.Status == StatusLoggedOut {
			continue
		}
		token, err := r.connector.Authenticate(ctx, s.ID)
		if err != nil {
			log.Session(s.ID).WithError(err).Warn("Token refresh failed")
			continue
		}
		if err := r.secrets.Set(ctx, s.ID, token); err != nil {
			log.Session(s.ID).WithError(err).Warn("Failed to persist refreshed token")
		}
	}
}
