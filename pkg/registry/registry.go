// Package registry wires stream handlers and extractors to incoming
// requests: by explicit hint, by URL pattern, or by fallback.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

// StreamHandlerRegistry dispatches URLs to stream handlers. Handlers
// are probed in registration order; the first CanHandle match wins.
type StreamHandlerRegistry struct {
	mu       sync.RWMutex
	handlers []interfaces.StreamHandler
	byType   map[types.StreamType]interfaces.StreamHandler
	fallback interfaces.StreamHandler
}

// NewStreamHandlerRegistry creates an empty handler registry.
func NewStreamHandlerRegistry() *StreamHandlerRegistry {
	return &StreamHandlerRegistry{
		byType: make(map[types.StreamType]interfaces.StreamHandler),
	}
}

// Register adds a handler. The generic handler doubles as the fallback.
func (r *StreamHandlerRegistry) Register(h interfaces.StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	r.byType[h.Type()] = h
	if h.Type() == types.StreamTypeGeneric {
		r.fallback = h
	}
}

// Get returns the handler for a stream type.
func (r *StreamHandlerRegistry) Get(t types.StreamType) (interfaces.StreamHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stream type %q", t)
	}
	return h, nil
}

// Detect picks the handler for a URL, falling back to generic.
func (r *StreamHandlerRegistry) Detect(url string) interfaces.StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Type() == types.StreamTypeGeneric {
			continue
		}
		if h.CanHandle(url) {
			return h
		}
	}
	return r.fallback
}

// extractorFactory builds one extractor instance on first use.
type extractorFactory func() interfaces.Extractor

// ExtractorRegistry resolves URLs and host hints to extractors.
// Instances are built lazily and memoized; extractors carry session
// state (signatures, tokens) worth keeping warm.
type ExtractorRegistry struct {
	mu        sync.Mutex
	factories map[string]extractorFactory
	instances map[string]interfaces.Extractor
	hints     map[string]string
	order     []string
	log       *logging.Logger
}

// NewExtractorRegistry creates an empty extractor registry.
func NewExtractorRegistry(log *logging.Logger) *ExtractorRegistry {
	return &ExtractorRegistry{
		factories: make(map[string]extractorFactory),
		instances: make(map[string]interfaces.Extractor),
		hints:     make(map[string]string),
		log:       log.WithComponent("extractor-registry"),
	}
}

// Register adds an extractor factory under its name, with the host
// hint substrings that select it.
func (r *ExtractorRegistry) Register(name string, factory func() interfaces.Extractor, hintTokens ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.order = append(r.order, name)
	for _, token := range hintTokens {
		r.hints[token] = name
	}
}

// Get returns the memoized instance for a name.
func (r *ExtractorRegistry) Get(name string) (interfaces.Extractor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance(name)
}

// Resolve picks the extractor for a URL. An explicit host hint wins;
// otherwise each registered extractor is probed with CanExtract and
// the generic one catches the rest.
func (r *ExtractorRegistry) Resolve(url, hostHint string) (interfaces.Extractor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hostHint != "" {
		hint := strings.ToLower(hostHint)
		for _, token := range r.hintTokens() {
			if strings.Contains(hint, token) {
				return r.instance(r.hints[token])
			}
		}
	}

	for _, name := range r.order {
		if name == "generic" {
			continue
		}
		e, err := r.instance(name)
		if err != nil {
			continue
		}
		if e.CanExtract(url) {
			return e, nil
		}
	}

	return r.instance("generic")
}

// Invalidate drops cached state for a URL in every instantiated
// extractor that claims it.
func (r *ExtractorRegistry) Invalidate(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.instances {
		if e.CanExtract(url) {
			e.Invalidate(url)
		}
	}
}

// Close shuts down every instantiated extractor.
func (r *ExtractorRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.instances {
		if err := e.Close(); err != nil {
			r.log.Warn("extractor close failed", "extractor", name, "error", err)
		}
	}
}

// instance returns the memoized extractor, building it on first use.
// Callers hold r.mu.
func (r *ExtractorRegistry) instance(name string) (interfaces.Extractor, error) {
	if e, ok := r.instances[name]; ok {
		return e, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
	e := factory()
	r.instances[name] = e
	r.log.Debug("extractor instantiated", "extractor", name)
	return e, nil
}

// hintTokens returns hint substrings longest-first so the most
// specific hint wins. Callers hold r.mu.
func (r *ExtractorRegistry) hintTokens() []string {
	tokens := make([]string, 0, len(r.hints))
	for token := range r.hints {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	return tokens
}
