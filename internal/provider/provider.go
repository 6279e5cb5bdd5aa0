// Package provider abstracts the two WhatsApp backends behind one
// capability interface. A tenant selects exactly one driver at a time;
// the factory resolves it at the point of use so configuration changes
// take effect without restarts.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type SendResult struct {
	MessageID string
}

type CheckResult struct {
	Exists bool
	Key    string
}

// Provider is the send/check capability contract both drivers implement.
type Provider interface {
	// SendText delivers a text message to the destination. The required
	// destination format is driver specific: the socket driver takes
	// canonical user@server keys, the cloud driver bare digits.
	SendText(ctx context.Context, to string, body string) (SendResult, error)

	// SendMedia delivers media by reference with an optional caption.
	SendMedia(ctx context.Context, to string, mediaRef string, caption string) (SendResult, error)

	// CheckRegistered reports whether the phone has a WhatsApp account.
	CheckRegistered(ctx context.Context, phone string) (CheckResult, error)

	// ProfilePictureURL returns the avatar URL for a key, empty when the
	// contact has none or the driver cannot fetch it.
	ProfilePictureURL(ctx context.Context, key string) (string, error)
}

// ConfigError marks a tenant whose provider credentials are absent or
// incomplete. Fatal for that tenant's sends: callers alert the tenant
// instead of retrying.
type ConfigError struct {
	Tenant string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider configuration error for tenant %s: %s", e.Tenant, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
