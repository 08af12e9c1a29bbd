package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"streambridge/pkg/crypto"
	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
)

const (
	segmentCacheTTL   = 30 * time.Second
	segmentCacheLimit = 50
	segmentCacheEvict = 20

	initFetchTimeout    = 10 * time.Second
	segmentFetchTimeout = 15 * time.Second

	prefetchAhead = 3
)

// reSegmentNumber captures the trailing sequence number of a segment
// filename, used to guess the next segment URLs for prefetch.
var reSegmentNumber = regexp.MustCompile(`(\d+)(\.[a-zA-Z0-9]+)?$`)

type segmentCacheEntry struct {
	data    []byte
	addedAt time.Time
}

// SegmentOptions describes one decrypt-pipeline request.
type SegmentOptions struct {
	URL         string
	InitURL     string
	KeyID       string
	Key         string
	Headers     map[string]string
	SkipDecrypt bool
	RemuxToTS   bool
}

// cacheKey distinguishes the same URL processed under different keys or
// output containers.
func (o *SegmentOptions) cacheKey() string {
	variant := "mp4"
	if o.RemuxToTS {
		variant = "ts"
	}
	if o.SkipDecrypt {
		variant += "-raw"
	}
	return o.URL + "|" + o.KeyID + "|" + variant
}

// SegmentService fetches, decrypts, and optionally remuxes protected
// fMP4 segments. Processed segments are cached briefly so the typical
// player pattern of re-requesting the live edge stays cheap, and the
// next few segments are prefetched in the background.
type SegmentService struct {
	client *httpclient.Client
	log    *logging.Logger
	remux  interfaces.Remuxer

	mu        sync.Mutex
	segCache  map[string]segmentCacheEntry
	initCache map[string][]byte
	pending   map[string]struct{}
}

// NewSegmentService creates the segment pipeline. remux may be nil when
// MPEG-TS output is not needed.
func NewSegmentService(client *httpclient.Client, remux interfaces.Remuxer, log *logging.Logger) *SegmentService {
	return &SegmentService{
		client:    client,
		log:       log.WithComponent("segment-service"),
		remux:     remux,
		segCache:  make(map[string]segmentCacheEntry),
		initCache: make(map[string][]byte),
		pending:   make(map[string]struct{}),
	}
}

// ProcessSegment runs the full pipeline for one segment and kicks off
// prefetch for the segments that likely follow it.
func (s *SegmentService) ProcessSegment(ctx context.Context, opts SegmentOptions) ([]byte, error) {
	key := opts.cacheKey()
	if data, ok := s.cachedSegment(key); ok {
		s.log.Debug("segment cache hit", "url", opts.URL)
		s.prefetchFollowing(opts)
		return data, nil
	}

	data, err := s.process(ctx, opts)
	if err != nil {
		return nil, err
	}

	s.storeSegment(key, data)
	s.prefetchFollowing(opts)
	return data, nil
}

// process fetches init and media in parallel, then decrypts and remuxes.
func (s *SegmentService) process(ctx context.Context, opts SegmentOptions) ([]byte, error) {
	var wg sync.WaitGroup
	var initData, segData []byte
	var initErr, segErr error

	if opts.InitURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			initData, initErr = s.fetchInit(ctx, opts.InitURL, opts.Headers)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, segmentFetchTimeout)
		defer cancel()
		segData, segErr = s.fetch(fetchCtx, opts.URL, opts.Headers)
	}()

	wg.Wait()
	if initErr != nil {
		return nil, fmt.Errorf("fetch init segment: %w", initErr)
	}
	if segErr != nil {
		return nil, fmt.Errorf("fetch segment: %w", segErr)
	}

	var out []byte
	if opts.SkipDecrypt || opts.KeyID == "" || opts.Key == "" {
		out = append(append([]byte{}, initData...), segData...)
	} else {
		keys, err := crypto.ParseKeyPairs(opts.KeyID, opts.Key)
		if err != nil {
			return nil, err
		}
		out, err = crypto.NewDecrypter(keys).DecryptSegment(initData, segData)
		if err != nil {
			return nil, fmt.Errorf("decrypt segment: %w", err)
		}
	}

	if opts.RemuxToTS && s.remux != nil && s.remux.Available() {
		remuxed, err := s.remux.RemuxToTS(ctx, out)
		if err != nil {
			s.log.Warn("remux failed, serving fmp4", "url", opts.URL, "error", err)
		} else {
			out = remuxed
		}
	}

	return out, nil
}

// fetchInit returns the init segment, from cache when already seen.
// Init segments are immutable per representation so the cache has no TTL.
func (s *SegmentService) fetchInit(ctx context.Context, initURL string, headers map[string]string) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.initCache[initURL]
	s.mu.Unlock()
	if ok {
		return data, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, initFetchTimeout)
	defer cancel()

	data, err := s.fetch(fetchCtx, initURL, headers)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.initCache[initURL] = data
	s.mu.Unlock()
	return data, nil
}

func (s *SegmentService) fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpclient.ApplyHeaders(req, headers)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

func (s *SegmentService) cachedSegment(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.segCache[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.addedAt) > segmentCacheTTL {
		delete(s.segCache, key)
		return nil, false
	}
	return entry.data, true
}

// storeSegment inserts into the cache, evicting the oldest batch when
// the cap is hit.
func (s *SegmentService) storeSegment(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.segCache) >= segmentCacheLimit {
		type aged struct {
			key     string
			addedAt time.Time
		}
		entries := make([]aged, 0, len(s.segCache))
		for k, e := range s.segCache {
			entries = append(entries, aged{k, e.addedAt})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].addedAt.Before(entries[j].addedAt)
		})
		for i := 0; i < segmentCacheEvict && i < len(entries); i++ {
			delete(s.segCache, entries[i].key)
		}
	}

	s.segCache[key] = segmentCacheEntry{data: data, addedAt: time.Now()}
}

// prefetchFollowing guesses the next few segment URLs from the sequence
// number in the filename and processes them in the background.
func (s *SegmentService) prefetchFollowing(opts SegmentOptions) {
	for i := 1; i <= prefetchAhead; i++ {
		next, ok := NextSegmentURL(opts.URL, i)
		if !ok {
			return
		}

		nextOpts := opts
		nextOpts.URL = next
		key := nextOpts.cacheKey()

		s.mu.Lock()
		_, cached := s.segCache[key]
		_, inFlight := s.pending[key]
		if cached || inFlight {
			s.mu.Unlock()
			continue
		}
		s.pending[key] = struct{}{}
		s.mu.Unlock()

		go func(o SegmentOptions, k string) {
			defer func() {
				s.mu.Lock()
				delete(s.pending, k)
				s.mu.Unlock()
			}()

			ctx, cancel := context.WithTimeout(context.Background(), segmentFetchTimeout)
			defer cancel()

			data, err := s.process(ctx, o)
			if err != nil {
				s.log.Debug("prefetch failed", "url", o.URL, "error", err)
				return
			}
			s.storeSegment(k, data)
		}(nextOpts, key)
	}
}

// NextSegmentURL increments the trailing sequence number of a segment
// URL by delta, preserving zero padding. Returns false when the URL has
// no usable number.
func NextSegmentURL(segURL string, delta int) (string, bool) {
	path := segURL
	query := ""
	if idx := strings.Index(segURL, "?"); idx >= 0 {
		path, query = segURL[:idx], segURL[idx:]
	}

	m := reSegmentNumber.FindStringSubmatchIndex(path)
	if m == nil {
		return "", false
	}

	numStr := path[m[2]:m[3]]
	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return "", false
	}

	next := strconv.FormatUint(num+uint64(delta), 10)
	if len(numStr) > len(next) {
		next = strings.Repeat("0", len(numStr)-len(next)) + next
	}

	return path[:m[2]] + next + path[m[3]:] + query, true
}
