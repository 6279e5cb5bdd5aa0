package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/servisia/wa-engine/internal/storage"
)

func TestFactoryCloudMissingCredentials(t *testing.T) {
	f := NewFactory(nil)

	cases := []*storage.Tenant{
		{ID: 1, Name: "Acme", Provider: storage.ProviderCloud},
		{ID: 2, Name: "Acme", Provider: storage.ProviderCloud, CloudPhoneID: "123"},
		{ID: 3, Name: "Acme", Provider: storage.ProviderCloud, CloudToken: "tok"},
	}
	for _, tenant := range cases {
		p, err := f.Get(tenant)
		if p != nil {
			t.Fatalf("tenant %d: got provider despite missing credentials", tenant.ID)
		}
		if !IsConfigError(err) {
			t.Fatalf("tenant %d: err = %v, want ConfigError", tenant.ID, err)
		}
	}
}

func TestFactorySocketMissingSession(t *testing.T) {
	f := NewFactory(nil)
	_, err := f.Get(&storage.Tenant{Name: "Acme", Provider: storage.ProviderSocket})
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestFactoryNilTenant(t *testing.T) {
	f := NewFactory(nil)
	if _, err := f.Get(nil); !IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	f := NewFactory(nil)
	_, err := f.Get(&storage.Tenant{Name: "Acme", Provider: "carrier-pigeon"})
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestFactoryDefaultsToSocket(t *testing.T) {
	f := NewFactory(nil)
	p, err := f.Get(&storage.Tenant{Name: "Acme", SessionID: "628111222333"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*socketDriver); !ok {
		t.Fatalf("provider = %T, want socketDriver", p)
	}
}

func TestCloudCheckRegisteredAlwaysExists(t *testing.T) {
	d := newCloudDriver(1, "12345", "token", defaultCloudVersion)

	result, err := d.CheckRegistered(context.Background(), "628123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Exists {
		t.Error("cloud driver must report every number as registered")
	}
	if result.Key != "628123456789" {
		t.Errorf("key = %q", result.Key)
	}
}

func TestCloudRejectsGroupDestination(t *testing.T) {
	d := newCloudDriver(1, "12345", "token", defaultCloudVersion)
	_, err := d.SendText(context.Background(), "123-456@g.us", "hi")
	if err == nil {
		t.Fatal("expected error for group destination")
	}
}

func TestCloudRejectsNonURLMedia(t *testing.T) {
	d := newCloudDriver(1, "12345", "token", defaultCloudVersion)
	_, err := d.SendMedia(context.Background(), "628123456789", "not-a-url", "")
	if err == nil {
		t.Fatal("expected error for non-URL media reference")
	}
}

func TestConfigErrorWrapping(t *testing.T) {
	err := &ConfigError{Tenant: "Acme", Reason: "missing token"}
	wrapped := errors.Join(errors.New("tick failed"), err)
	if !IsConfigError(wrapped) {
		t.Error("wrapped ConfigError not detected")
	}
	if IsConfigError(errors.New("other")) {
		t.Error("plain error detected as ConfigError")
	}
}
