package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/bdobrica/mcp-auth-broker/common/crypto"
)

// valueCache is a short-TTL, encrypted-at-rest cache of resolved secret
// values, keyed by the reference's canonical URI. It exists only to avoid
// re-shelling out to the 1Password CLI for the same reference within a
// single process lifetime; it has no bearing on the spec's Token Cache
// (internal/broker/tokens) and is never consulted by the core pipeline
// directly.
//
// Values are stored AES-256-GCM encrypted under a session key derived from
// the process master key via HKDF-SHA256, so a heap dump does not expose
// plaintext client secrets any more readily than the process's other
// in-memory state already would — the teacher's common/crypto package
// provides the same defense-in-depth for Matrix access tokens at rest.
type valueCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	key     []byte
}

type cacheEntry struct {
	ciphertext []byte
	expiresAt  time.Time
}

// newValueCache derives a session key from masterKey via HKDF and returns a
// cache with the given TTL. If masterKey is empty, the cache is disabled:
// get always misses and put is a no-op, so callers that never configure a
// master key simply re-resolve every time (correct, if slower).
func newValueCache(masterKey []byte, ttl time.Duration) *valueCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &valueCache{ttl: ttl, entries: make(map[string]cacheEntry)}
	if len(masterKey) == 0 {
		return c
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return c // key stays nil; cache behaves as disabled
	}
	sessionKey := make([]byte, crypto.KeySize)
	kdf := hkdf.New(sha256.New, masterKey, salt, []byte("mcp-auth-broker/secret-cache"))
	if _, err := io.ReadFull(kdf, sessionKey); err != nil {
		return c
	}
	c.key = sessionKey
	return c
}

func (c *valueCache) get(uri string) (string, bool) {
	if c.key == nil {
		return "", false
	}
	c.mu.Lock()
	entry, ok := c.entries[uri]
	c.mu.Unlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	plaintext, err := crypto.Decrypt(c.key, entry.ciphertext)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

func (c *valueCache) put(uri, value string) {
	if c.key == nil {
		return
	}
	ciphertext, err := crypto.Encrypt(c.key, []byte(value))
	if err != nil {
		return
	}
	c.mu.Lock()
	c.entries[uri] = cacheEntry{ciphertext: ciphertext, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
