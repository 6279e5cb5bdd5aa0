// Package identity canonicalizes WhatsApp addressing into the single
// user@server key format used as contact identity across the platform.
package identity

import (
	"context"
	"strings"

	watypes "go.mau.fi/whatsmeow/types"

	"github.com/servisia/wa-engine/pkg/log"
)

// DefaultCountryPrefix is the national prefix substituted for a leading
// zero. The deployment region's calling code, overridable via config.
const DefaultCountryPrefix = "62"

// LinkResolver maps a temporary linked identifier (the ephemeral @lid
// address WhatsApp assigns before the permanent number is disclosed) to
// the permanent phone number, when the mapping is known.
type LinkResolver interface {
	GetPermanentNumberByTemporaryLink(ctx context.Context, tempID string) (string, error)
}

type Normalizer struct {
	countryPrefix string
	resolver      LinkResolver
}

// New builds a Normalizer. The resolver may be nil, in which case @lid
// keys pass through unresolved.
func New(countryPrefix string, resolver LinkResolver) *Normalizer {
	if countryPrefix == "" {
		countryPrefix = DefaultCountryPrefix
	}
	return &Normalizer{countryPrefix: countryPrefix, resolver: resolver}
}

type options struct {
	isGroup    bool
	groupKnown bool
}

type Option func(*options)

// AsGroup forces group scope for bare addresses whose local part carries
// no group marker.
func AsGroup(isGroup bool) Option {
	return func(o *options) {
		o.isGroup = isGroup
		o.groupKnown = true
	}
}

// Normalize canonicalizes a raw address into user@server form. Unusable
// input yields "" and the caller must treat the event as ignorable.
func (n *Normalizer) Normalize(ctx context.Context, raw string, opts ...Option) string {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	user, server, _ := strings.Cut(raw, "@")

	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	user = strings.TrimPrefix(user, "+")

	isGroup := o.isGroup
	if !o.groupKnown {
		isGroup = server == watypes.GroupServer || strings.Contains(user, "-")
	}

	switch server {
	case "":
		if isGroup {
			server = watypes.GroupServer
		} else {
			server = watypes.DefaultUserServer
		}
	case watypes.LegacyUserServer:
		server = watypes.DefaultUserServer
	}

	if server == watypes.HiddenUserServer {
		return n.resolveLinked(ctx, user)
	}

	if server == watypes.GroupServer {
		user = keepDigitsAndHyphen(user)
	} else {
		user = keepDigits(user)
		user = n.rewriteNationalPrefix(user)
	}

	if user == "" {
		return ""
	}
	return user + "@" + server
}

// resolveLinked rewrites a temporary linked identifier to the permanent
// number when storage already holds the mapping. Best effort: a missing
// or failing lookup keeps the ephemeral key so ingestion never blocks.
func (n *Normalizer) resolveLinked(ctx context.Context, tempID string) string {
	tempID = keepDigits(tempID)
	if tempID == "" {
		return ""
	}
	ephemeral := tempID + "@" + watypes.HiddenUserServer

	if n.resolver == nil {
		return ephemeral
	}
	phone, err := n.resolver.GetPermanentNumberByTemporaryLink(ctx, tempID)
	if err != nil {
		log.Print(nil).WithError(err).Warn("Temporary link lookup failed for " + ephemeral)
		return ephemeral
	}
	if phone == "" {
		return ephemeral
	}

	user := n.rewriteNationalPrefix(keepDigits(phone))
	if user == "" {
		return ephemeral
	}
	return user + "@" + watypes.DefaultUserServer
}

func (n *Normalizer) rewriteNationalPrefix(user string) string {
	if strings.HasPrefix(user, "0") && len(user) > 1 {
		return n.countryPrefix + user[1:]
	}
	return user
}

// FormatPhone reduces a raw phone number to bare digits with country code,
// the format the cloud driver and campaign destinations require.
func (n *Normalizer) FormatPhone(raw string) string {
	user := keepDigits(strings.TrimPrefix(strings.TrimSpace(raw), "+"))
	return n.rewriteNationalPrefix(user)
}

// ToSocketFormat renders a bare phone number as the canonical individual
// key the socket driver expects.
func (n *Normalizer) ToSocketFormat(phone string) string {
	user := n.FormatPhone(phone)
	if user == "" {
		return ""
	}
	return user + "@" + watypes.DefaultUserServer
}

// IsBroadcast reports whether the key is a status/broadcast pseudo-address.
func IsBroadcast(key string) bool {
	_, server, found := strings.Cut(key, "@")
	return found && server == watypes.BroadcastServer
}

// IsGroup reports whether the canonical key addresses a group.
func IsGroup(key string) bool {
	_, server, found := strings.Cut(key, "@")
	return found && server == watypes.GroupServer
}

// IsLinked reports whether the key is still an unresolved temporary
// linked identifier.
func IsLinked(key string) bool {
	_, server, found := strings.Cut(key, "@")
	return found && server == watypes.HiddenUserServer
}

// User returns the local part of a key.
func User(key string) string {
	user, _, _ := strings.Cut(key, "@")
	return user
}

func keepDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func keepDigitsAndHyphen(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
