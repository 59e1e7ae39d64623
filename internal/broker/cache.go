package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/metrics"
)

// ============================================================================
// CLIENT CACHE
// ============================================================================

const defaultSweepInterval = 60 * time.Second

type cacheEntry struct {
	wrapper     *ClientWrapper
	fingerprint string
	lastUsed    atomic.Int64 // unix nanos, touched on the read path
}

func (e *cacheEntry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

func (e *cacheEntry) lastUsedTime() time.Time {
	return time.Unix(0, e.lastUsed.Load())
}

// ClientCache keeps at most one live wrapper per namespace, keyed by the
// credential fingerprint it was built from. A background sweeper evicts
// wrappers idle past the TTL; evicted wrappers are closed off the caller's
// path.
type ClientCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	closed  bool

	idleTTL       time.Duration
	sweepInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewClientCache builds the cache and starts its sweeper.
func NewClientCache(idleTTL time.Duration, log zerolog.Logger, m *metrics.Metrics) *ClientCache {
	return newClientCache(idleTTL, defaultSweepInterval, log, m)
}

func newClientCache(idleTTL, sweepInterval time.Duration, log zerolog.Logger, m *metrics.Metrics) *ClientCache {
	if idleTTL <= 0 {
		idleTTL = 60 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	c := &ClientCache{
		entries:       make(map[string]*cacheEntry),
		idleTTL:       idleTTL,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		log:           log,
		metrics:       m,
	}
	go c.sweepLoop()
	return c
}

// GetOrCreate returns the cached wrapper for the namespace when its
// fingerprint still matches, otherwise builds a new one via build. The
// write lock is held across build, which keeps the one-wrapper-per-
// namespace guarantee; SDK constructors do not dial, so the hold is
// short. A build failure caches nothing.
func (c *ClientCache) GetOrCreate(ctx context.Context, namespaceID, fingerprint string,
	build func(context.Context) (*ClientWrapper, error)) (*ClientWrapper, error) {
	const op = "broker.ClientCache.GetOrCreate"

	c.mu.RLock()
	if !c.closed {
		if e, ok := c.entries[namespaceID]; ok && e.fingerprint == fingerprint {
			e.touch()
			c.mu.RUnlock()
			c.recordLookup(true)
			return e.wrapper, nil
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, apperr.New(apperr.KindServiceUnavailable, op, "client cache is shut down")
	}
	if e, ok := c.entries[namespaceID]; ok {
		if e.fingerprint == fingerprint {
			e.touch()
			c.recordLookup(true)
			return e.wrapper, nil
		}
		// Credential rotated under us. Retire the stale wrapper and fall
		// through to a fresh build.
		delete(c.entries, namespaceID)
		c.evict(e, "replaced")
	}

	wrapper, err := build(ctx)
	if err != nil {
		return nil, err
	}

	e := &cacheEntry{wrapper: wrapper, fingerprint: fingerprint}
	e.touch()
	c.entries[namespaceID] = e
	c.recordLookup(false)
	c.updateGauge()
	return wrapper, nil
}

// Invalidate drops the namespace's wrapper, if any, and reports whether
// one was present. Called when credentials change or a namespace is
// deactivated.
func (c *ClientCache) Invalidate(namespaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[namespaceID]
	if !ok {
		return false
	}
	delete(c.entries, namespaceID)
	c.evict(e, "invalidated")
	c.updateGauge()
	return true
}

// Len reports the number of live wrappers.
func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper and synchronously closes every wrapper.
func (c *ClientCache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	drained := c.entries
	c.entries = map[string]*cacheEntry{}
	c.updateGauge()
	c.mu.Unlock()

	var errs []error
	for id, e := range drained {
		c.recordEviction("shutdown")
		if err := e.wrapper.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close client for namespace %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *ClientCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.sweepOnce(now)
		case <-c.stopCh:
			return
		}
	}
}

// sweepOnce evicts every wrapper idle past the TTL and returns how many
// went.
func (c *ClientCache) sweepOnce(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, e := range c.entries {
		if now.Sub(e.lastUsedTime()) > c.idleTTL {
			delete(c.entries, id)
			c.evict(e, "idle")
			evicted++
		}
	}
	if evicted > 0 {
		c.updateGauge()
		c.log.Debug().Int("evicted", evicted).Int("remaining", len(c.entries)).Msg("swept idle broker clients")
	}
	return evicted
}

// evict closes the wrapper off the caller's path. In-flight operations
// on the old wrapper finish or fail on their own; new calls go through
// a fresh one.
func (c *ClientCache) evict(e *cacheEntry, reason string) {
	c.recordEviction(reason)
	go func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := e.wrapper.Close(closeCtx); err != nil {
			c.log.Warn().Err(err).
				Str("namespace_id", e.wrapper.NamespaceID()).
				Str("reason", reason).
				Msg("evicted wrapper close failed")
		}
	}()
}

func (c *ClientCache) recordLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(hit)
	}
}

func (c *ClientCache) recordEviction(reason string) {
	if c.metrics != nil {
		c.metrics.RecordEviction(reason)
	}
}

func (c *ClientCache) updateGauge() {
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(len(c.entries)))
	}
}
