package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient abstracts the Redis operations RedisStore needs behind a
// narrow interface over the SDK: production wires *redis.Client, tests
// wire a mock.
type RedisClient interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// goRedisClient adapts *redis.Client to RedisClient.
type goRedisClient struct {
	c *redis.Client
}

// NewGoRedisClient creates a RedisClient backed by a real Redis server at
// addr.
func NewGoRedisClient(addr, password string, db int) RedisClient {
	return &goRedisClient{c: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (g *goRedisClient) Set(ctx context.Context, key, value string) error {
	return g.c.Set(ctx, key, value, 0).Err()
}

func (g *goRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := g.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (g *goRedisClient) Del(ctx context.Context, key string) error {
	return g.c.Del(ctx, key).Err()
}

func (g *goRedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	return g.c.Keys(ctx, pattern).Result()
}

// RedisStore is a Store backed by Redis, with every value envelope-
// encrypted under an AES-256-GCM data key minted and wrapped by KMS
// (store.KMSClient). Redis never sees plaintext wallet state: key
// material never crosses a non-confidential boundary for anything that
// leaves enclave memory.
type RedisStore struct {
	client        RedisClient
	dataKey       []byte // plaintext, held only in enclave memory
	wrappedKeyB64 string // persisted once so a restarted process can recover dataKey
}

// NewRedisStore creates a RedisStore. If wrappedKey is nil, a fresh data
// key is minted via kmsClient; otherwise the supplied wrapped key is
// unwrapped and reused, so already-persisted entries remain readable
// across restarts.
func NewRedisStore(ctx context.Context, client RedisClient, kmsClient *KMSClient, wrappedKey []byte) (*RedisStore, error) {
	if wrappedKey != nil {
		plaintext, err := kmsClient.Decrypt(ctx, wrappedKey)
		if err != nil {
			return nil, fmt.Errorf("store: redis: unwrap data key: %w", err)
		}
		return &RedisStore{
			client:        client,
			dataKey:       plaintext,
			wrappedKeyB64: base64.StdEncoding.EncodeToString(wrappedKey),
		}, nil
	}

	plaintext, wrapped, err := kmsClient.GenerateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: redis: mint data key: %w", err)
	}
	return &RedisStore{
		client:        client,
		dataKey:       plaintext,
		wrappedKeyB64: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// NewRedisStoreWithDataKey builds a RedisStore directly from a plaintext
// data key, bypassing KMS. Exported for tests that want to exercise the
// envelope-encryption logic without a live KMS dependency; production
// callers should go through NewRedisStore instead.
func NewRedisStoreWithDataKey(client RedisClient, dataKey []byte) *RedisStore {
	return &RedisStore{client: client, dataKey: dataKey}
}

// WrappedDataKey returns the KMS-wrapped data key, base64-encoded, for the
// operator to persist out-of-band (e.g. in the deployment's config store)
// so a future process restart can call NewRedisStore with it.
func (s *RedisStore) WrappedDataKey() string {
	return s.wrappedKeyB64
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, base64.StdEncoding.EncodeToString(sealed))
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	enc, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("store: redis: decode stored value: %w", err)
	}
	return s.open(sealed)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key)
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	return s.client.Keys(ctx, prefix+"*")
}

func (s *RedisStore) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.dataKey)
	if err != nil {
		return nil, fmt.Errorf("store: redis: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: redis: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: redis: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *RedisStore) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.dataKey)
	if err != nil {
		return nil, fmt.Errorf("store: redis: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: redis: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("store: redis: ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

var _ Store = (*RedisStore)(nil)
