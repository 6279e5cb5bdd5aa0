package provider

import (
	"context"
	"fmt"

	"github.com/servisia/wa-engine/internal/gateway"
)

// socketDriver proxies sends through the legacy per-session gateway. It
// expects destinations already in canonical WhatsApp form.
type socketDriver struct {
	gateway   *gateway.Client
	sessionID string
}

func newSocketDriver(gw *gateway.Client, sessionID string) *socketDriver {
	return &socketDriver{gateway: gw, sessionID: sessionID}
}

func (d *socketDriver) SendText(ctx context.Context, to string, body string) (SendResult, error) {
	id, err := d.gateway.SendText(ctx, d.sessionID, to, body)
	if err != nil {
		return SendResult{}, fmt.Errorf("socket send text: %w", err)
	}
	return SendResult{MessageID: id}, nil
}

func (d *socketDriver) SendMedia(ctx context.Context, to string, mediaRef string, caption string) (SendResult, error) {
	id, err := d.gateway.SendImage(ctx, d.sessionID, to, mediaRef, caption)
	if err != nil {
		return SendResult{}, fmt.Errorf("socket send media: %w", err)
	}
	return SendResult{MessageID: id}, nil
}

func (d *socketDriver) CheckRegistered(ctx context.Context, phone string) (CheckResult, error) {
	result, err := d.gateway.CheckRegistered(ctx, d.sessionID, phone)
	if err != nil {
		// The gateway answers 4xx for unregistered numbers; treat any
		// lookup failure as not registered rather than surfacing it.
		return CheckResult{Exists: false}, nil
	}
	return CheckResult{
		Exists: result.Status == "valid",
		Key:    result.JID,
	}, nil
}

func (d *socketDriver) ProfilePictureURL(ctx context.Context, key string) (string, error) {
	url, err := d.gateway.ProfilePicture(ctx, d.sessionID, key)
	if err != nil {
		return "", nil
	}
	return url, nil
}
