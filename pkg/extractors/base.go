// Package extractors resolves hosting-site and provider URLs into
// playable stream descriptors: the real media URL plus the headers the
// origin expects.
package extractors

import (
	"sync"
	"time"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

// How long a resolved descriptor stays valid. Provider tokens tend to
// outlive this comfortably; a shorter TTL just costs an extra resolve.
const extractCacheTTL = 10 * time.Minute

type cachedDescriptor struct {
	descriptor *types.StreamDescriptor
	addedAt    time.Time
}

// BaseExtractor carries the shared extractor plumbing: the outbound
// client, logging, and a per-URL descriptor cache with TTL.
type BaseExtractor struct {
	name   string
	client *httpclient.Client
	log    *logging.Logger

	mu    sync.Mutex
	cache map[string]cachedDescriptor
}

func newBase(name string, client *httpclient.Client, log *logging.Logger) BaseExtractor {
	return BaseExtractor{
		name:   name,
		client: client,
		log:    log.WithComponent("extractor-" + name),
		cache:  make(map[string]cachedDescriptor),
	}
}

// Name returns the extractor's registry key.
func (b *BaseExtractor) Name() string {
	return b.name
}

// cached returns the still-fresh descriptor for a URL, if any.
func (b *BaseExtractor) cached(url string) (*types.StreamDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.cache[url]
	if !ok {
		return nil, false
	}
	if time.Since(entry.addedAt) > extractCacheTTL {
		delete(b.cache, url)
		return nil, false
	}
	return entry.descriptor, true
}

func (b *BaseExtractor) store(url string, d *types.StreamDescriptor) {
	b.mu.Lock()
	b.cache[url] = cachedDescriptor{descriptor: d, addedAt: time.Now()}
	b.mu.Unlock()
}

// Invalidate drops the cached descriptor for a URL.
func (b *BaseExtractor) Invalidate(url string) {
	b.mu.Lock()
	delete(b.cache, url)
	b.mu.Unlock()
}

// Close releases extractor resources. The base holds none.
func (b *BaseExtractor) Close() error {
	return nil
}
