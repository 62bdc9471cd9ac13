package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/domain"
	"github.com/keygate/keygate/telemetry"
	"github.com/keygate/keygate/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTTL bounds cache staleness when no TTL is configured
const DefaultTTL = 5 * time.Minute

// Layer serves credentials from the cache and falls back to the store.
// The store is authoritative; the cache only ever holds copies of it.
type Layer struct {
	cache  Cache
	store  Store
	ttl    time.Duration
	tracer trace.Tracer
}

// NewLayer creates the cache-aside layer
func NewLayer(cache Cache, store Store, ttl time.Duration) (*Layer, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Layer{cache: cache, store: store, ttl: ttl, tracer: tracing.Tracer("credential")}, nil
}

// Lookup returns the credential for clientID, or nil when it does not exist.
// Absent clients are not cached.
func (l *Layer) Lookup(ctx context.Context, clientID uuid.UUID) (*domain.CachedCredential, error) {
	ctx, span := l.tracer.Start(ctx, "credential.lookup", trace.WithAttributes(
		attribute.String("client_id", clientID.String()),
	))
	defer span.End()

	key := domain.CredentialCacheKey(clientID)

	if cred, ok := l.fromCache(ctx, key); ok {
		telemetry.CacheLookupsTotal.With("hit").Inc()
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cred, nil
	}
	telemetry.CacheLookupsTotal.With("miss").Inc()

	cred, err := l.store.Get(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if cred == nil {
		telemetry.CacheLookupsTotal.With("store_miss").Inc()
		return nil, nil
	}
	telemetry.CacheLookupsTotal.With("store_hit").Inc()

	if err := l.populate(ctx, key, *cred); err != nil {
		log.Warn().Err(err).Str("client_id", clientID.String()).Msg("Failed to populate credential cache")
	}
	return cred, nil
}

// fromCache reads and decodes a cache entry. Any failure is a miss.
func (l *Layer) fromCache(ctx context.Context, key string) (*domain.CachedCredential, bool) {
	raw, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		telemetry.CacheLookupsTotal.With("cache_error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Credential cache read failed; using store")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var cred domain.CachedCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable credential cache entry")
		if err := l.cache.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to drop credential cache entry")
		}
		return nil, false
	}
	return &cred, true
}

// populate writes a cache entry
func (l *Layer) populate(ctx context.Context, key string, cred domain.CachedCredential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	return l.cache.Set(ctx, key, raw, l.ttl)
}

// Write stores the credential, then overwrites its cache entry. When the
// entry cannot be overwritten it is deleted instead; if that fails too the
// cache may still serve the old value and an error is returned.
func (l *Layer) Write(ctx context.Context, cred domain.CachedCredential) error {
	if err := l.store.Put(ctx, cred); err != nil {
		return err
	}

	key := domain.CredentialCacheKey(cred.ClientID)
	err := l.populate(ctx, key, cred)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("client_id", cred.ClientID.String()).Msg("Failed to refresh credential cache; dropping entry")

	if delErr := l.cache.Delete(ctx, key); delErr != nil {
		return fmt.Errorf("credential %s stored but cache entry is stale: %w", cred.ClientID, errors.Join(err, delErr))
	}
	return nil
}

// Invalidate removes the cache entry of clientID
func (l *Layer) Invalidate(ctx context.Context, clientID uuid.UUID) error {
	if err := l.cache.Delete(ctx, domain.CredentialCacheKey(clientID)); err != nil {
		return fmt.Errorf("failed to invalidate credential %s: %w", clientID, err)
	}
	return nil
}
