// Package signer implements the HMAC-SHA256 signer of spec.md §4.2 (C2): a
// hot-reloadable signing key fetched from the secrets collaborator, cached
// in memory behind an atomic pointer so sign/verify calls never block on
// the reload's critical section.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LinkSigningKeyName is the secret name the signer reads (spec.md §4.2).
const LinkSigningKeyName = "LinkSigningKey"

// reloadDeadline is how long a fetched key is trusted before the next
// sign/verify call re-fetches it (spec.md §4.2: "reload deadline of 60s").
const reloadDeadline = 60 * time.Second

// SecretGetter is the narrow slice of the secrets collaborator (spec.md §6)
// the signer depends on.
type SecretGetter interface {
	Get(keyName string) (string, bool, error)
}

type keyEntry struct {
	key       []byte
	fetchedAt time.Time
}

// Signer produces and verifies base64url (no padding) HMAC-SHA256 tags.
type Signer struct {
	secrets SecretGetter
	cached  atomic.Pointer[keyEntry]
	// reloadMu serializes the refresh itself; reads against the atomic
	// pointer remain lock-free (spec.md §5: "reads are lock-free against a
	// volatile pointer").
	reloadMu sync.Mutex
}

// New constructs a Signer backed by secrets.
func New(secrets SecretGetter) *Signer {
	return &Signer{secrets: secrets}
}

func decodeKey(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return decoded
	}
	// Development affordance: treat the raw secret as UTF-8 bytes when it
	// isn't valid base64.
	return []byte(raw)
}

func (s *Signer) currentKey(now time.Time) ([]byte, error) {
	if entry := s.cached.Load(); entry != nil && now.Sub(entry.fetchedAt) < reloadDeadline {
		return entry.key, nil
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if entry := s.cached.Load(); entry != nil && now.Sub(entry.fetchedAt) < reloadDeadline {
		return entry.key, nil
	}

	raw, ok, err := s.secrets.Get(LinkSigningKeyName)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", LinkSigningKeyName, err)
	}
	if !ok || raw == "" {
		return nil, fmt.Errorf("%s is missing or empty", LinkSigningKeyName)
	}

	key := decodeKey(raw)
	s.cached.Store(&keyEntry{key: key, fetchedAt: now})
	return key, nil
}

// Sign returns the base64url (no padding) HMAC-SHA256 tag over data.
func (s *Signer) Sign(data string) (string, error) {
	key, err := s.currentKey(time.Now())
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the correct HMAC-SHA256 tag over data,
// using a constant-time comparison.
func (s *Signer) Verify(data, sig string) (bool, error) {
	expected, err := s.Sign(data)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1, nil
}
