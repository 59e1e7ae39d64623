package broker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/secrets"
	"github.com/servicehub/backend/internal/storage"
)

const testConnectionString = "Endpoint=sb://unit.servicebus.windows.net/;SharedAccessKeyName=RootManageSharedAccessKey;SharedAccessKey=dW5pdC10ZXN0LWtleQ=="

type fakeNamespaceSource struct {
	namespaces map[string]*storage.Namespace
}

func (f *fakeNamespaceSource) GetNamespaceByID(_ context.Context, id string) (*storage.Namespace, error) {
	ns, ok := f.namespaces[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.GetNamespaceByID", "namespace %q not found", id)
	}
	return ns, nil
}

func newTestProtector(t *testing.T) *secrets.Protector {
	t.Helper()
	p, err := secrets.NewProtector(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return p
}

func newTestProvider(t *testing.T, namespaces ...*storage.Namespace) (*Provider, *ClientCache, *secrets.Protector) {
	t.Helper()

	source := &fakeNamespaceSource{namespaces: map[string]*storage.Namespace{}}
	for _, ns := range namespaces {
		source.namespaces[ns.ID] = ns
	}
	cache := newClientCache(time.Hour, time.Hour, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = cache.Close(context.Background()) })

	protector := newTestProtector(t)
	return NewProvider(source, cache, protector, testLimits(), zerolog.Nop(), nil), cache, protector
}

func connectionStringNamespace(t *testing.T, protector *secrets.Protector, id string) *storage.Namespace {
	t.Helper()
	encrypted, err := protector.Encrypt(testConnectionString)
	require.NoError(t, err)
	return &storage.Namespace{
		ID:                  id,
		Name:                "unit",
		AuthType:            storage.AuthConnectionString,
		EncryptedCredential: encrypted,
		IsActive:            true,
	}
}

func TestProviderBuildsAndCachesWrapper(t *testing.T) {
	provider, cache, protector := newTestProvider(t)
	ns := connectionStringNamespace(t, protector, "ns-1")
	ctx := context.Background()

	w1, err := provider.ForNamespace(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, "ns-1", w1.NamespaceID())
	assert.Equal(t, "unit.servicebus.windows.net", w1.FullyQualifiedNamespace())

	w2, err := provider.ForNamespace(ctx, ns)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, 1, cache.Len())
}

func TestProviderRebuildsAfterCredentialRotation(t *testing.T) {
	provider, cache, protector := newTestProvider(t)
	ns := connectionStringNamespace(t, protector, "ns-1")
	ctx := context.Background()

	w1, err := provider.ForNamespace(ctx, ns)
	require.NoError(t, err)

	rotated := "Endpoint=sb://unit.servicebus.windows.net/;SharedAccessKeyName=RootManageSharedAccessKey;SharedAccessKey=cm90YXRlZC1rZXk="
	ns.EncryptedCredential, err = protector.Encrypt(rotated)
	require.NoError(t, err)

	w2, err := provider.ForNamespace(ctx, ns)
	require.NoError(t, err)
	assert.NotSame(t, w1, w2, "the rotated credential gets a fresh wrapper")
	assert.Equal(t, 1, cache.Len())
}

func TestProviderResolvesNamespaceByID(t *testing.T) {
	protector := newTestProtector(t)
	ns := connectionStringNamespace(t, protector, "ns-1")

	source := &fakeNamespaceSource{namespaces: map[string]*storage.Namespace{"ns-1": ns}}
	cache := newClientCache(time.Hour, time.Hour, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = cache.Close(context.Background()) })
	provider := NewProvider(source, cache, protector, testLimits(), zerolog.Nop(), nil)

	w, err := provider.ForNamespaceID(context.Background(), "ns-1")
	require.NoError(t, err)
	assert.Equal(t, "ns-1", w.NamespaceID())

	_, err = provider.ForNamespaceID(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestProviderRefusesInactiveNamespace(t *testing.T) {
	provider, cache, protector := newTestProvider(t)
	ns := connectionStringNamespace(t, protector, "ns-1")
	ns.IsActive = false

	_, err := provider.ForNamespace(context.Background(), ns)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, 0, cache.Len())
}

func TestProviderRefusesUnknownAuthType(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	ns := &storage.Namespace{ID: "ns-1", AuthType: "Certificate", IsActive: true}

	_, err := provider.ForNamespace(context.Background(), ns)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestProviderManagedIdentityRequiresEndpoint(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	ns := &storage.Namespace{ID: "ns-1", AuthType: storage.AuthManagedIdentity, IsActive: true}

	_, err := provider.ForNamespace(context.Background(), ns)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestProviderRefusesCredentialWithoutEndpoint(t *testing.T) {
	provider, cache, protector := newTestProvider(t)
	encrypted, err := protector.Encrypt("SharedAccessKeyName=Root;SharedAccessKey=dW5pdA==")
	require.NoError(t, err)
	ns := &storage.Namespace{
		ID:                  "ns-1",
		AuthType:            storage.AuthConnectionString,
		EncryptedCredential: encrypted,
		IsActive:            true,
	}

	_, err = provider.ForNamespace(context.Background(), ns)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, 0, cache.Len(), "an endpointless credential never reaches the cache")
}

func TestProviderSurfacesDecryptFailure(t *testing.T) {
	provider, cache, _ := newTestProvider(t)
	ns := &storage.Namespace{
		ID:                  "ns-1",
		AuthType:            storage.AuthConnectionString,
		EncryptedCredential: "V2:bm90LXJlYWwtY2lwaGVydGV4dA==",
		IsActive:            true,
	}

	_, err := provider.ForNamespace(context.Background(), ns)
	assert.True(t, apperr.IsKind(err, apperr.KindDecryptFailed))
	assert.Equal(t, 0, cache.Len(), "nothing is cached when the credential cannot be opened")
}

func TestHostFromEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"sb://bus.example.net/", "bus.example.net"},
		{"sb://bus.example.net", "bus.example.net"},
		{"https://bus.example.net/", "bus.example.net"},
		{"bus.example.net", "bus.example.net"},
		{"  sb://bus.example.net/  ", "bus.example.net"},
		{"sb://bus.example.net/extra", "bus.example.net"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, hostFromEndpoint(tc.in), "input %q", tc.in)
	}
}

func TestValidateConnectionString(t *testing.T) {
	host, err := ValidateConnectionString(testConnectionString)
	require.NoError(t, err)
	assert.Equal(t, "unit.servicebus.windows.net", host)

	host, err = ValidateConnectionString("SharedAccessKey=abc;endpoint=sb://x.example.net/")
	require.NoError(t, err, "the Endpoint key is matched case-insensitively")
	assert.Equal(t, "x.example.net", host)

	_, err = ValidateConnectionString("SharedAccessKey=abc")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = ValidateConnectionString("")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
