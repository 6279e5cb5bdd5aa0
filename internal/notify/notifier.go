// Package notify pushes operational alerts to platform staff over a
// dedicated notifier WhatsApp session. Alerts are best effort: every
// failure is logged and swallowed so alerting never disturbs ingestion.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/servisia/wa-engine/internal/dispatch"
	"github.com/servisia/wa-engine/internal/identity"
	"github.com/servisia/wa-engine/internal/storage"
	"github.com/servisia/wa-engine/pkg/log"
)

// SettingNotifierSession is the system-settings key holding the session
// id alerts are sent from.
const SettingNotifierSession = "notifier_session_id"

const alertWait = 30 * time.Second

// agentRoles selects which tenant users receive session alerts.
var agentRoles = []string{"agent", "admin"}

// Sender delivers one text on a session. Satisfied by gateway.Client.
type Sender interface {
	SendText(ctx context.Context, sessionID string, to string, message string) (string, error)
}

// Directory is the slice of the store the notifier reads. Satisfied by
// storage.Store.
type Directory interface {
	GetSystemSetting(ctx context.Context, key string) (string, error)
	GetTenantBySession(ctx context.Context, sessionID string) (*storage.Tenant, error)
	GetUsersByTenantWithPhone(ctx context.Context, tenantID int64, roles []string) ([]storage.UserContact, error)
	GetSuperAdminsWithPhone(ctx context.Context) ([]storage.UserContact, error)
}

type Notifier struct {
	store      Directory
	scheduler  *dispatch.Scheduler
	sender     Sender
	normalizer *identity.Normalizer
}

func New(store Directory, scheduler *dispatch.Scheduler, sender Sender, normalizer *identity.Normalizer) *Notifier {
	return &Notifier{
		store:      store,
		scheduler:  scheduler,
		sender:     sender,
		normalizer: normalizer,
	}
}

// SessionDown alerts the downed session's tenant staff and all super
// admins. The notifier session going down itself is never self-reported.
func (n *Notifier) SessionDown(ctx context.Context, sessionID string, status string) {
	entry := log.Session(sessionID)

	notifierSession, err := n.store.GetSystemSetting(ctx, SettingNotifierSession)
	if err != nil {
		entry.WithError(err).Error("Failed to resolve notifier session")
		return
	}
	if notifierSession == "" {
		entry.Warn("No notifier session configured, skipping alert")
		return
	}
	if notifierSession == sessionID {
		entry.Warn("Notifier session itself went down, nobody to tell")
		return
	}

	recipients := n.recipients(ctx, sessionID, notifierSession)
	if len(recipients) == 0 {
		entry.Warn("Session went down but no alert recipients found")
		return
	}

	message := fmt.Sprintf("⚠️ WhatsApp session %q is %s. Messages will not flow until it reconnects.", sessionID, status)
	for _, to := range recipients {
		n.deliver(notifierSession, to, message)
	}
}

// recipients collects tenant agents/admins and super admins with a phone
// on file, deduped by formatted phone, minus the notifier's own number.
func (n *Notifier) recipients(ctx context.Context, sessionID string, notifierSession string) []string {
	entry := log.Session(sessionID)
	var contacts []storage.UserContact

	tenant, err := n.store.GetTenantBySession(ctx, sessionID)
	if err != nil {
		entry.WithError(err).Warn("Failed to resolve tenant for session alert")
	} else if tenant != nil {
		users, err := n.store.GetUsersByTenantWithPhone(ctx, tenant.ID, agentRoles)
		if err != nil {
			entry.WithError(err).Warn("Failed to load tenant users for session alert")
		}
		contacts = append(contacts, users...)
	}

	admins, err := n.store.GetSuperAdminsWithPhone(ctx)
	if err != nil {
		entry.WithError(err).Warn("Failed to load super admins for session alert")
	}
	contacts = append(contacts, admins...)

	self := n.normalizer.FormatPhone(notifierSession)
	seen := make(map[string]bool, len(contacts))
	recipients := make([]string, 0, len(contacts))
	for _, c := range contacts {
		phone := n.normalizer.FormatPhone(c.Phone)
		if phone == "" || seen[phone] || (self != "" && phone == self) {
			continue
		}
		seen[phone] = true
		recipients = append(recipients, phone)
	}
	return recipients
}

// deliver schedules the alert on the notifier session's queue and logs
// the outcome in the background.
func (n *Notifier) deliver(notifierSession string, phone string, message string) {
	to := n.normalizer.ToSocketFormat(phone)
	pending := n.scheduler.Schedule(notifierSession, func(ctx context.Context) (interface{}, error) {
		return n.sender.SendText(ctx, notifierSession, to, message)
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertWait)
		defer cancel()
		if _, err := pending.Wait(ctx); err != nil {
			log.Session(notifierSession).WithError(err).WithField("to", phone).Error("Failed to deliver session alert")
		}
	}()
}
