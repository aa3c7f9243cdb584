package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// APIKeyRecord is one accepted API key with its lifecycle timestamps. An
// empty ClientID marks a shared key (config-seeded keys are shared).
type APIKeyRecord struct {
	ClientID      string
	Key           string
	CreatedAt     time.Time
	LastRotatedAt time.Time
	ExpiresAt     time.Time
}

// keyStore holds the accepted API keys. A key authenticates only while it
// is unexpired and among its client's maxKeys most recent records; rotation
// replaces records that have gone stale.
type keyStore struct {
	maxKeys          int
	rotationInterval time.Duration
	maxKeyAge        time.Duration

	mu      sync.RWMutex
	records []APIKeyRecord // newest first

	logger  observability.Logger
	metrics observability.MetricsClient

	now func() time.Time
}

func newKeyStore(seed []string, maxKeys int, rotationInterval, maxKeyAge time.Duration, logger observability.Logger, metrics observability.MetricsClient) *keyStore {
	ks := &keyStore{
		maxKeys:          maxKeys,
		rotationInterval: rotationInterval,
		maxKeyAge:        maxKeyAge,
		logger:           logger,
		metrics:          metrics,
		now:              time.Now,
	}
	now := ks.now()
	for _, key := range seed {
		ks.records = append(ks.records, APIKeyRecord{
			Key:           key,
			CreatedAt:     now,
			LastRotatedAt: now,
			ExpiresAt:     now.Add(maxKeyAge),
		})
	}
	ks.trimLocked()
	return ks
}

// Valid reports whether key is currently accepted
func (ks *keyStore) Valid(key string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	now := ks.now()
	for _, rec := range ks.records {
		if rec.Key == key && now.Before(rec.ExpiresAt) {
			return true
		}
	}
	return false
}

// Rotate mints a replacement for every record whose last rotation is older
// than the rotation interval or whose age exceeds maxKeyAge, keeps each
// client's maxKeys newest records, and purges expired ones. Returns the
// minted records so operators can distribute the new keys.
func (ks *keyStore) Rotate() ([]APIKeyRecord, error) {
	ks.mu.Lock()
	now := ks.now()

	var minted []APIKeyRecord
	for i := range ks.records {
		if !ks.dueForRotation(&ks.records[i], now) {
			continue
		}
		key, err := randomHex(32)
		if err != nil {
			ks.mu.Unlock()
			return nil, errors.Wrap(err, "generate api key")
		}
		ks.records[i].LastRotatedAt = now
		minted = append(minted, APIKeyRecord{
			ClientID:      ks.records[i].ClientID,
			Key:           key,
			CreatedAt:     now,
			LastRotatedAt: now,
			ExpiresAt:     now.Add(ks.maxKeyAge),
		})
	}
	ks.records = append(minted, ks.records...)
	ks.trimLocked()
	active := len(ks.records)
	ks.mu.Unlock()

	if len(minted) > 0 {
		ks.logger.Info("Rotated API keys", map[string]interface{}{
			"minted":      len(minted),
			"active_keys": active,
		})
		ks.metrics.IncrementCounter("auth.key_rotations", float64(len(minted)))
	}
	return minted, nil
}

// dueForRotation applies the per-record rotation conditions
func (ks *keyStore) dueForRotation(rec *APIKeyRecord, now time.Time) bool {
	if ks.rotationInterval > 0 && now.Sub(rec.LastRotatedAt) >= ks.rotationInterval {
		return true
	}
	return ks.maxKeyAge > 0 && now.Sub(rec.CreatedAt) >= ks.maxKeyAge
}

// Add registers an externally provisioned shared key
func (ks *keyStore) Add(key string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.now()
	ks.records = append([]APIKeyRecord{{
		Key:           key,
		CreatedAt:     now,
		LastRotatedAt: now,
		ExpiresAt:     now.Add(ks.maxKeyAge),
	}}, ks.records...)
	ks.trimLocked()
}

// ActiveKeys returns the currently accepted records, newest first
func (ks *keyStore) ActiveKeys() []APIKeyRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	now := ks.now()
	out := make([]APIKeyRecord, 0, len(ks.records))
	for _, rec := range ks.records {
		if now.Before(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	return out
}

// trimLocked re-sorts newest first, drops expired records, and caps each
// client's records at maxKeys.
func (ks *keyStore) trimLocked() {
	sort.SliceStable(ks.records, func(i, j int) bool {
		return ks.records[i].CreatedAt.After(ks.records[j].CreatedAt)
	})

	now := ks.now()
	perClient := make(map[string]int)
	kept := ks.records[:0]
	for _, rec := range ks.records {
		if !now.Before(rec.ExpiresAt) {
			continue
		}
		if perClient[rec.ClientID] >= ks.maxKeys {
			continue
		}
		perClient[rec.ClientID]++
		kept = append(kept, rec)
	}
	ks.records = kept
}

// randomHex returns n random bytes hex-encoded
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
