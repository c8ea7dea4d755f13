package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/liquefaction-labs/liquefaction/internal/store"
)

func TestMemory_PutGetRoundTrip(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "wallet/0xabc", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := m.Get(ctx, "wallet/0xabc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q want %q", got, "payload")
	}
}

func TestMemory_GetMissingIsErrNotFound(t *testing.T) {
	m := store.NewMemory()
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_Scan(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_ = m.Put(ctx, "lease/0xabc/asset1", []byte("a"))
	_ = m.Put(ctx, "lease/0xabc/asset2", []byte("b"))
	_ = m.Put(ctx, "wallet/0xabc", []byte("c"))

	keys, err := m.Scan(ctx, "lease/0xabc/")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}

func TestMemory_Delete(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_ = m.Put(ctx, "k", []byte("v"))
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// fakeRedisClient is an in-memory stand-in for store.RedisClient, used to
// exercise RedisStore's envelope-encryption logic without a live server.
type fakeRedisClient struct {
	data map[string]string
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{data: make(map[string]string)}
}

func (f *fakeRedisClient) Set(_ context.Context, key, value string) error {
	f.data[key] = value
	return nil
}

func (f *fakeRedisClient) Get(_ context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeRedisClient) Del(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeRedisClient) Keys(_ context.Context, _ string) ([]string, error) {
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestRedisStore_EnvelopeEncryptedRoundTrip(t *testing.T) {
	fakeKey := make([]byte, 32) // AES-256 key; content doesn't matter for the test
	for i := range fakeKey {
		fakeKey[i] = byte(i)
	}

	rc := newFakeRedisClient()
	rs := store.NewRedisStoreWithDataKey(rc, fakeKey)

	ctx := context.Background()
	if err := rs.Put(ctx, "wallet/0xabc", []byte("super secret private key bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// The raw value stored in Redis must not contain the plaintext.
	raw := rc.data["wallet/0xabc"]
	if raw == "" {
		t.Fatal("expected a value to be stored")
	}
	if containsPlaintext(raw, "super secret") {
		t.Fatal("plaintext leaked into the raw Redis value")
	}

	got, err := rs.Get(ctx, "wallet/0xabc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "super secret private key bytes" {
		t.Fatalf("got %q", got)
	}
}

func containsPlaintext(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
