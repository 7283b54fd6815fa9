package auth

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// VerificationKey is one entry of a key-set snapshot: a key identifier,
// its algorithm, and the raw public-key material ready for jwt.Keyfunc use.
type VerificationKey struct {
	KeyID     string
	Algorithm string
	Raw       interface{}
}

// keySnapshot is the immutable, atomically-swapped view lookups are served
// from. Readers never block on refresh.
type keySnapshot struct {
	byID map[string]VerificationKey
}

// KeySetCache fetches a JWKS document on a background
// interval and answers get_key_by_id in constant time from an in-memory
// snapshot. On fetch failure the previous snapshot is retained.
type KeySetCache struct {
	url     string
	refresh time.Duration
	logger  *zap.Logger

	snapshot atomic.Pointer[keySnapshot]

	consecutiveFailures atomic.Int64
	alertThreshold       int64

	sf     singleflight.Group
	cancel context.CancelFunc
}

// NewKeySetCache creates and performs the first synchronous fetch (startup
// must fail fast if the provider is unreachable), then starts the
// background refresh loop.
func NewKeySetCache(jwksURL string, refreshInterval time.Duration, alertThreshold int64, logger *zap.Logger) (*KeySetCache, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}
	if alertThreshold <= 0 {
		alertThreshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &KeySetCache{url: jwksURL, refresh: refreshInterval, logger: logger, alertThreshold: alertThreshold}
	c.snapshot.Store(&keySnapshot{byID: map[string]VerificationKey{}})

	if err := c.fetch(context.Background()); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch from %s: %w", jwksURL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.refreshLoop(ctx)

	return c, nil
}

func (c *KeySetCache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.fetch(ctx); err != nil {
				failures := c.consecutiveFailures.Add(1)
				c.logger.Warn("jwks refresh failed, serving stale snapshot",
					zap.Error(err), zap.Int64("consecutive_failures", failures))
				if failures > c.alertThreshold {
					c.logger.Error("jwks refresh has failed repeatedly", zap.Int64("consecutive_failures", failures))
				}
			}
		}
	}
}

// fetch retrieves the JWKS document and swaps the snapshot atomically on
// success. It never mutates the current snapshot in place.
func (c *KeySetCache) fetch(ctx context.Context) error {
	_, err, _ := c.sf.Do("fetch", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		set, err := jwk.Fetch(fctx, c.url)
		if err != nil {
			return nil, err
		}

		next := &keySnapshot{byID: make(map[string]VerificationKey, set.Len())}
		for i := 0; i < set.Len(); i++ {
			key, ok := set.Key(i)
			if !ok {
				continue
			}
			var raw interface{}
			if rawErr := key.Raw(&raw); rawErr != nil {
				continue
			}
			next.byID[key.KeyID()] = VerificationKey{
				KeyID:     key.KeyID(),
				Algorithm: key.Algorithm().String(),
				Raw:       raw,
			}
		}
		c.snapshot.Store(next)
		c.consecutiveFailures.Store(0)
		return nil, nil
	})
	return err
}

// GetKeyByID resolves a verification key. Misses deliberately do NOT trigger a
// synchronous refetch: an attacker spraying unknown kids must not be able
// to drive fetch traffic at the provider.
func (c *KeySetCache) GetKeyByID(kid string) (VerificationKey, bool) {
	snap := c.snapshot.Load()
	key, ok := snap.byID[kid]
	return key, ok
}

// Refresh is the operator-triggered manual refresh the admin plane exposes.
// Concurrent calls collapse into a single fetch via singleflight.
func (c *KeySetCache) Refresh(ctx context.Context) error {
	return c.fetch(ctx)
}

// Warm reports whether at least one successful fetch has populated the
// snapshot — used by the admin plane's readiness check.
func (c *KeySetCache) Warm() bool {
	snap := c.snapshot.Load()
	return snap != nil
}

// Close stops the background refresh goroutine.
func (c *KeySetCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
