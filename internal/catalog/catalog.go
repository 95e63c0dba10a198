// Package catalog caches the CRM tool catalog per authentication
// class. The CRM exposes different tools to anonymous and
// authenticated callers, so the cache holds at most two entries.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/attache-ai/attache/internal/crm"
	"github.com/attache-ai/attache/internal/store"
)

// Source lists tools from the CRM. Satisfied by *crm.Client.
type Source interface {
	ListTools(ctx context.Context, credential string) ([]crm.Tool, error)
}

// Cache is a read-through cache over the CRM tool listing, backed by
// the durable store so catalogs survive restarts.
type Cache struct {
	source Source
	store  *store.Store
	logger *slog.Logger
}

// New creates a catalog cache.
func New(source Source, st *store.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, store: st, logger: logger}
}

// Tools returns the tool catalog for the caller's authentication
// class. A cache miss triggers discovery against the CRM; the result
// is cached before returning. Discovery failures cache nothing, so the
// next caller retries. Concurrent misses may each fetch; the last
// write wins, which is harmless since both fetched the same class.
func (c *Cache) Tools(ctx context.Context, credential string) ([]crm.Tool, error) {
	authenticated := credential != ""

	raw, ok, err := c.store.ToolCatalog(authenticated)
	if err != nil {
		c.logger.Warn("tool catalog read failed, falling back to discovery", "error", err)
	}
	if ok {
		var tools []crm.Tool
		if err := json.Unmarshal(raw, &tools); err == nil {
			return tools, nil
		}
		c.logger.Warn("cached tool catalog is corrupt, rediscovering", "authenticated", authenticated)
	}

	tools, err := c.source.ListTools(ctx, credential)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(tools); err == nil {
		if err := c.store.PutToolCatalog(authenticated, raw); err != nil {
			c.logger.Warn("tool catalog write failed", "error", err)
		}
	}

	return tools, nil
}

// Invalidate drops every cached catalog so the next request
// rediscovers against the CRM. Exposed through the admin API only.
func (c *Cache) Invalidate() error {
	if err := c.store.ClearToolCatalog(); err != nil {
		return fmt.Errorf("invalidate tool catalog: %w", err)
	}
	c.logger.Info("tool catalog invalidated")
	return nil
}
