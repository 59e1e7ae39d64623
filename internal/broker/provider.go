package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/rs/zerolog"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/metrics"
	"github.com/servicehub/backend/internal/secrets"
	"github.com/servicehub/backend/internal/storage"
)

// ============================================================================
// CLIENT PROVIDER
// ============================================================================

// NamespaceSource resolves namespace records for the provider.
type NamespaceSource interface {
	GetNamespaceByID(ctx context.Context, id string) (*storage.Namespace, error)
}

// Provider turns namespace records into cached broker client wrappers.
// Credentials are decrypted on every build, never stored in plaintext.
type Provider struct {
	namespaces NamespaceSource
	cache      *ClientCache
	protector  *secrets.Protector
	limits     Limits

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewProvider wires the provider to its namespace source, cache, and
// credential protector.
func NewProvider(namespaces NamespaceSource, cache *ClientCache, protector *secrets.Protector,
	limits Limits, log zerolog.Logger, m *metrics.Metrics) *Provider {
	return &Provider{
		namespaces: namespaces,
		cache:      cache,
		protector:  protector,
		limits:     limits,
		log:        log,
		metrics:    m,
	}
}

// ForNamespaceID resolves the namespace and returns its client wrapper.
func (p *Provider) ForNamespaceID(ctx context.Context, namespaceID string) (*ClientWrapper, error) {
	ns, err := p.namespaces.GetNamespaceByID(ctx, namespaceID)
	if err != nil {
		return nil, err
	}
	return p.ForNamespace(ctx, ns)
}

// ForNamespace returns the cached wrapper for the namespace, building a
// fresh one when the credential fingerprint changed. Inactive namespaces
// are refused before any broker client exists.
func (p *Provider) ForNamespace(ctx context.Context, ns *storage.Namespace) (*ClientWrapper, error) {
	const op = "broker.Provider.ForNamespace"

	if !ns.IsActive {
		return nil, apperr.New(apperr.KindValidation, op, "namespace %s is deactivated", ns.ID)
	}

	switch ns.AuthType {
	case storage.AuthConnectionString:
		return p.forConnectionString(ctx, ns)
	case storage.AuthManagedIdentity:
		return p.forManagedIdentity(ctx, ns)
	default:
		return nil, apperr.New(apperr.KindValidation, op, "namespace %s has unknown auth type %q", ns.ID, ns.AuthType)
	}
}

func (p *Provider) forConnectionString(ctx context.Context, ns *storage.Namespace) (*ClientWrapper, error) {
	const op = "broker.Provider.ForNamespace"

	credential, err := p.protector.Decrypt(ns.EncryptedCredential)
	if err != nil {
		return nil, err
	}
	fqns, err := ValidateConnectionString(credential)
	if err != nil {
		return nil, err
	}
	fingerprint := credentialFingerprint(credential)

	return p.cache.GetOrCreate(ctx, ns.ID, fingerprint, func(ctx context.Context) (*ClientWrapper, error) {
		client, err := azservicebus.NewClientFromConnectionString(credential, nil)
		if err != nil {
			return nil, apperr.Wrapf(apperr.KindExternalService, op, err, "build client for namespace %s", ns.ID)
		}
		newAdmin := func() (entityBrowser, error) {
			ac, err := admin.NewClientFromConnectionString(credential, nil)
			if err != nil {
				return nil, err
			}
			return &azureAdmin{client: ac}, nil
		}
		return newClientWrapper(ns.ID, fqns, fingerprint,
			&azureMessaging{client: client}, newAdmin, p.limits, p.log, p.metrics), nil
	})
}

func (p *Provider) forManagedIdentity(ctx context.Context, ns *storage.Namespace) (*ClientWrapper, error) {
	const op = "broker.Provider.ForNamespace"

	host := hostFromEndpoint(ns.Endpoint)
	if host == "" {
		return nil, apperr.New(apperr.KindValidation, op, "namespace %s has no endpoint for managed identity", ns.ID)
	}
	fingerprint := credentialFingerprint("managed-identity:" + host)

	return p.cache.GetOrCreate(ctx, ns.ID, fingerprint, func(ctx context.Context) (*ClientWrapper, error) {
		tokenCred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, apperr.Wrapf(apperr.KindExternalService, op, err, "resolve managed identity for namespace %s", ns.ID)
		}
		client, err := azservicebus.NewClient(host, tokenCred, nil)
		if err != nil {
			return nil, apperr.Wrapf(apperr.KindExternalService, op, err, "build client for namespace %s", ns.ID)
		}
		newAdmin := func() (entityBrowser, error) {
			ac, err := admin.NewClient(host, tokenCred, nil)
			if err != nil {
				return nil, err
			}
			return &azureAdmin{client: ac}, nil
		}
		return newClientWrapper(ns.ID, host, fingerprint,
			&azureMessaging{client: client}, newAdmin, p.limits, p.log, p.metrics), nil
	})
}

// credentialFingerprint hashes a credential for cache comparison so the
// plaintext never sits in a map key.
func credentialFingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// ValidateConnectionString checks that a connection string carries an
// Endpoint segment and returns the fully qualified namespace host.
// Operator edges call this before accepting a credential for storage;
// the provider calls it again before building a client, so a credential
// that lost its endpoint fails typed instead of deep inside the SDK.
func ValidateConnectionString(cs string) (string, error) {
	const op = "broker.ValidateConnectionString"
	host := endpointHostFromConnectionString(cs)
	if host == "" {
		return "", apperr.New(apperr.KindValidation, op, "connection string has no Endpoint=sb://... segment")
	}
	return host, nil
}

// hostFromEndpoint reduces "sb://bus.example.net/" to "bus.example.net".
func hostFromEndpoint(endpoint string) string {
	s := strings.TrimSpace(endpoint)
	s = strings.TrimPrefix(s, "sb://")
	s = strings.TrimPrefix(s, "https://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// endpointHostFromConnectionString pulls the broker host out of the
// Endpoint segment of a connection string.
func endpointHostFromConnectionString(cs string) string {
	for _, part := range strings.Split(cs, ";") {
		trimmed := strings.TrimSpace(part)
		const prefix = "endpoint="
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			return hostFromEndpoint(trimmed[len(prefix):])
		}
	}
	return ""
}
