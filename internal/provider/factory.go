package provider

import (
	"fmt"

	"github.com/servisia/wa-engine/internal/gateway"
	"github.com/servisia/wa-engine/internal/storage"
	"github.com/servisia/wa-engine/pkg/env"
)

// Factory builds the provider for a tenant's current configuration.
type Factory struct {
	gateway      *gateway.Client
	cloudVersion string
}

func NewFactory(gw *gateway.Client) *Factory {
	return &Factory{
		gateway:      gw,
		cloudVersion: env.GetEnvStringOrDefault("CLOUD_API_VERSION", defaultCloudVersion),
	}
}

// Get resolves the tenant's driver. Missing credentials fail fast with a
// ConfigError and perform no network calls.
func (f *Factory) Get(tenant *storage.Tenant) (Provider, error) {
	if tenant == nil {
		return nil, &ConfigError{Tenant: "(unknown)", Reason: "tenant is required"}
	}

	switch tenant.Provider {
	case storage.ProviderCloud:
		if tenant.CloudPhoneID == "" || tenant.CloudToken == "" {
			return nil, &ConfigError{Tenant: tenant.Name, Reason: "missing cloud API phone id or token"}
		}
		return newCloudDriver(tenant.ID, tenant.CloudPhoneID, tenant.CloudToken, f.cloudVersion), nil

	case storage.ProviderSocket, "":
		if tenant.SessionID == "" {
			return nil, &ConfigError{Tenant: tenant.Name, Reason: "no WhatsApp session id"}
		}
		return newSocketDriver(f.gateway, tenant.SessionID), nil

	default:
		return nil, &ConfigError{
			Tenant: tenant.Name,
			Reason: fmt.Sprintf("unknown provider type %q", tenant.Provider),
		}
	}
}
