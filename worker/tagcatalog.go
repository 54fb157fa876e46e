package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/natsclient"
)

// TagCatalog mirrors the replicated tag vocabulary. The compacted single-key
// bucket on the bus is the shared store; this process keeps an in-memory set
// that is reseeded from the bucket before every read. Only the enricher's
// single task touches it, so no cross-process locking exists.
type TagCatalog struct {
	kv     jetstream.KeyValue
	logger *slog.Logger

	mu   sync.Mutex
	tags []string // sorted
}

// NewTagCatalog wraps the tags bucket.
func NewTagCatalog(kv jetstream.KeyValue, logger *slog.Logger) *TagCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagCatalog{kv: kv, logger: logger.With("component", "tagcatalog")}
}

// Hints reseeds from the bucket and returns up to max known tags in sorted
// order. A read failure degrades to the last seen set.
func (t *TagCatalog) Hints(ctx context.Context, max int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reseed(ctx)

	if len(t.tags) <= max {
		return append([]string(nil), t.tags...)
	}
	return append([]string(nil), t.tags[:max]...)
}

// Add merges newly discovered tags into the catalog and, when the set grew,
// publishes the full sorted set back to the bucket under the single catalog
// key.
func (t *TagCatalog) Add(ctx context.Context, tags []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reseed(ctx)

	merged := sortedSet(t.tags, normalizeTags(tags))
	if len(merged) == len(t.tags) {
		return nil
	}
	t.tags = merged

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if _, err := t.kv.Put(ctx, natsclient.TagCatalogKey, data); err != nil {
		return err
	}
	return nil
}

func (t *TagCatalog) reseed(ctx context.Context) {
	entry, err := t.kv.Get(ctx, natsclient.TagCatalogKey)
	if err != nil {
		if !stderrors.Is(err, jetstream.ErrKeyNotFound) {
			t.logger.Warn("tag catalog read failed, keeping last seen set", "error", err)
		}
		return
	}

	var tags []string
	if err := json.Unmarshal(entry.Value(), &tags); err != nil {
		t.logger.Warn("tag catalog entry malformed, keeping last seen set", "error", err)
		return
	}
	t.tags = tags
}
