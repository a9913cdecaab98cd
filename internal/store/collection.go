package store

import (
	"sync"

	"go.uber.org/zap"
)

// collection is the in-memory copy of one durable kind. Every mutation
// happens under mu and rewrites the whole kind before mu is released.
type collection[T any] struct {
	mu      sync.Mutex
	kind    Kind
	durable Durable
	logger  *zap.Logger
	items   []T
}

func openCollection[T any](d Durable, kind Kind, logger *zap.Logger) *collection[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &collection[T]{kind: kind, durable: d, logger: logger.With(zap.String("kind", string(kind)))}
	items, err := LoadCollection[T](d, kind)
	if err != nil {
		// Unreadable collections start empty; the next save replaces them.
		c.logger.Error("Failed to load collection, starting empty", zap.Error(err))
		items = nil
	}
	c.items = items
	return c
}

// persistLocked writes the current items. A failed write keeps the in-memory
// state and is only logged.
func (c *collection[T]) persistLocked() {
	if err := SaveCollection(c.durable, c.kind, c.items); err != nil {
		c.logger.Error("Failed to persist collection", zap.Error(err), zap.Int("items", len(c.items)))
	}
}

func (c *collection[T]) indexLocked(match func(*T) bool) int {
	for i := range c.items {
		if match(&c.items[i]) {
			return i
		}
	}
	return -1
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
