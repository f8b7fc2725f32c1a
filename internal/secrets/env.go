package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// tenantHandlePrefix is the environment variable namespace for per-tenant
// backend credentials. TenantHandle derives the handle, EnvProvider
// resolves it.
const tenantHandlePrefix = "SANDUKU_TENANT_"

// EnvProvider resolves credential handles from environment variables.
// Handle format: "env://VARIABLE_NAME".
type EnvProvider struct{}

// NewEnvProvider creates an environment-variable credential provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, handle string) (*Secret, error) {
	if handleScheme(handle) != p.Scheme() {
		return nil, fmt.Errorf("%w: env provider only handles env:// handles, got %q",
			ErrHandleNotFound, handle)
	}
	name := strings.TrimPrefix(handle, "env://")
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrHandleNotFound)
	}
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty",
			ErrHandleNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}

// TenantHandle returns the conventional credential handle for a tenant:
// "env://SANDUKU_TENANT_<ID>" with the tenant ID folded into an
// environment-safe key. Resolution happens host-side in capability
// handlers and may legitimately find nothing for tenants without a
// backend credential.
func TenantHandle(tenantID string) string {
	return "env://" + tenantHandlePrefix + sanitizeEnvKey(tenantID)
}

// sanitizeEnvKey uppercases the tenant ID and squashes anything outside
// [A-Z0-9] to underscores, so arbitrary tenant identifiers map onto
// valid environment variable names.
func sanitizeEnvKey(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
