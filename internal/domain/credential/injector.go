// Package credential fetches per-user upstream credentials and caches them
// briefly. The injector is the only component that talks to the credential
// service; secret values never appear in logs and are never persisted.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Request identifies the credentials for one upstream call.
type Request struct {
	Service   string
	Operation string
	TenantID  string
	UserID    string
}

// Source retrieves credentials from the external credential service.
type Source interface {
	Fetch(ctx context.Context, req Request) (map[string]string, error)
}

type cacheEntry struct {
	values  map[string]string
	expires time.Time
}

// Injector caches credential lookups keyed on (service, tenant, user) for a
// configured TTL. Lookup failures degrade to an empty mapping so services
// that do not require credentials keep working.
type Injector struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[uint64]cacheEntry
}

// NewInjector creates an injector over the given source. A nil source
// (no credential service configured) makes every fetch return empty.
func NewInjector(source Source, ttl time.Duration, logger *slog.Logger) *Injector {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		source: source,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[uint64]cacheEntry),
	}
}

// Fetch returns the credential mapping for the request. Failures are logged
// (field names only, never values) and return an empty map; callers proceed
// without credentials.
func (i *Injector) Fetch(ctx context.Context, req Request) map[string]string {
	if i.source == nil {
		return map[string]string{}
	}

	key := cacheKey(req)
	now := time.Now()

	i.mu.Lock()
	if entry, ok := i.cache[key]; ok && now.Before(entry.expires) {
		i.mu.Unlock()
		return entry.values
	}
	i.mu.Unlock()

	values, err := i.source.Fetch(ctx, req)
	if err != nil {
		i.logger.Warn("credential fetch failed, proceeding without credentials",
			"service", req.Service, "operation", req.Operation,
			"user_id", req.UserID, "error", err)
		return map[string]string{}
	}
	if values == nil {
		values = map[string]string{}
	}

	i.mu.Lock()
	i.cache[key] = cacheEntry{values: values, expires: now.Add(i.ttl)}
	i.pruneLocked(now)
	i.mu.Unlock()

	return values
}

// Invalidate drops the cached entry for the request's (service, tenant,
// user), forcing the next fetch to hit the credential service.
func (i *Injector) Invalidate(req Request) {
	i.mu.Lock()
	delete(i.cache, cacheKey(req))
	i.mu.Unlock()
}

// pruneLocked drops expired entries. Called with the mutex held, on the
// write path, so the cache never grows past the live working set.
func (i *Injector) pruneLocked(now time.Time) {
	for key, entry := range i.cache {
		if now.After(entry.expires) {
			delete(i.cache, key)
		}
	}
}

// cacheKey hashes the identity triple. Operation is deliberately excluded:
// credentials are scoped to (service, tenant, user), not to the tool.
func cacheKey(req Request) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(req.Service)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(req.TenantID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(req.UserID)
	return d.Sum64()
}
