package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sagaflow/sagaflow/engine/definition"
)

// CachedWorkflowDefs wraps a WorkflowDefinitionRepo with a read-mostly LRU
// keyed by (name, rev). Definitions are immutable per revision, so entries
// only leave the cache on eviction or an explicit Create/Update of the same
// key.
type CachedWorkflowDefs struct {
	inner WorkflowDefinitionRepo
	cache *lru.Cache[string, *definition.WorkflowDefinition]
}

func NewCachedWorkflowDefs(inner WorkflowDefinitionRepo, size int) (*CachedWorkflowDefs, error) {
	cache, err := lru.New[string, *definition.WorkflowDefinition](size)
	if err != nil {
		return nil, err
	}
	return &CachedWorkflowDefs{inner: inner, cache: cache}, nil
}

func (c *CachedWorkflowDefs) Get(ctx context.Context, name, rev string) (*definition.WorkflowDefinition, error) {
	key := name + "." + rev
	if def, ok := c.cache.Get(key); ok {
		return def.Clone(), nil
	}
	def, err := c.inner.Get(ctx, name, rev)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, def.Clone())
	return def, nil
}

func (c *CachedWorkflowDefs) List(ctx context.Context) ([]*definition.WorkflowDefinition, error) {
	return c.inner.List(ctx)
}

func (c *CachedWorkflowDefs) Create(ctx context.Context, def *definition.WorkflowDefinition) error {
	if err := c.inner.Create(ctx, def); err != nil {
		return err
	}
	c.cache.Remove(def.Key())
	return nil
}

func (c *CachedWorkflowDefs) Update(ctx context.Context, def *definition.WorkflowDefinition) error {
	if err := c.inner.Update(ctx, def); err != nil {
		return err
	}
	c.cache.Remove(def.Key())
	return nil
}
