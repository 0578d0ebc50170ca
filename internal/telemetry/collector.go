package telemetry

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store persists flushed counters. Every write adds to what is already
// stored, so a collector only ever hands it deltas.
type Store interface {
	SaveSourceCounts(date string, counts map[Source]int64) error
	GetSourceCounts(from, to string) (map[Source]int64, error)
	UpsertTermCounts(terms map[string]int64) error
	GetTopTerms(limit int) ([]TermCount, error)
	AddZeroResultQuery(query string, timestamp time.Time) error
	GetZeroResultQueries(limit int) ([]string, error)
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
	Close() error
}

// QueryMetricsConfig sizes the in-memory counters. Zero values take the
// defaults, except FlushInterval where zero disables background flushing.
type QueryMetricsConfig struct {
	TopTermsCapacity      int
	ZeroResultsCapacity   int
	RecentQueriesCapacity int
	FlushInterval         time.Duration
}

// DefaultQueryMetricsConfig returns the defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
		FlushInterval:         time.Minute,
	}
}

// delta holds what was counted since the last successful flush.
type delta struct {
	sources   map[Source]int64
	terms     map[string]int64
	latencies map[LatencyBucket]int64
	misses    []QueryEvent
}

func newDelta() *delta {
	return &delta{
		sources:   map[Source]int64{},
		terms:     map[string]int64{},
		latencies: map[LatencyBucket]int64{},
	}
}

// absorb puts back the parts of d that failed to write, ahead of anything
// counted while the write was in progress.
func (d *delta) absorb(failed *delta) {
	for k, v := range failed.sources {
		d.sources[k] += v
	}
	for k, v := range failed.terms {
		d.terms[k] += v
	}
	for k, v := range failed.latencies {
		d.latencies[k] += v
	}
	d.misses = append(failed.misses, d.misses...)
}

// QueryMetrics counts searches in memory and periodically flushes the
// counts to a Store. Safe for concurrent use.
type QueryMetrics struct {
	mu      sync.Mutex
	closed  bool
	started time.Time

	total, zero, cacheHits, repeats int64
	sources                         map[Source]int64
	latencies                       map[LatencyBucket]int64
	terms                           *lru.Cache[string, int64]
	recent                          *lru.Cache[string, struct{}]
	misses                          *ring[string]
	pending                         *delta

	store Store
	stop  chan struct{}
	done  chan struct{}
}

// NewQueryMetrics creates a collector with the default configuration.
// A nil store keeps everything in memory.
func NewQueryMetrics(store Store) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector.
func NewQueryMetricsWithConfig(store Store, cfg QueryMetricsConfig) *QueryMetrics {
	def := DefaultQueryMetricsConfig()
	cfg.TopTermsCapacity = cmp.Or(max(cfg.TopTermsCapacity, 0), def.TopTermsCapacity)
	cfg.ZeroResultsCapacity = cmp.Or(max(cfg.ZeroResultsCapacity, 0), def.ZeroResultsCapacity)
	cfg.RecentQueriesCapacity = cmp.Or(max(cfg.RecentQueriesCapacity, 0), def.RecentQueriesCapacity)

	// lru.New only fails on a non-positive size.
	terms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	m := &QueryMetrics{
		started:   time.Now(),
		sources:   map[Source]int64{},
		latencies: map[LatencyBucket]int64{},
		terms:     terms,
		recent:    recent,
		misses:    newRing[string](cfg.ZeroResultsCapacity),
		pending:   newDelta(),
		store:     store,
	}
	if store != nil && cfg.FlushInterval > 0 {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.run(cfg.FlushInterval)
	}
	return m
}

func (m *QueryMetrics) run(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := m.Flush(); err != nil {
				slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
			}
		case <-m.stop:
			return
		}
	}
}

// Record counts one search. It never touches the store.
func (m *QueryMetrics) Record(ev QueryEvent) {
	if ev.Source == "" {
		ev.Source = SourceCLI
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	bucket := BucketFor(ev.Latency)
	// Keyed by normalised terms so "Пикник!" repeats "пикник".
	key := strings.Join(ev.Terms, "\x00")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.total++
	m.sources[ev.Source]++
	m.latencies[bucket]++
	m.pending.sources[ev.Source]++
	m.pending.latencies[bucket]++
	for _, term := range ev.Terms {
		n, _ := m.terms.Get(term)
		m.terms.Add(term, n+1)
		m.pending.terms[term]++
	}
	if ev.Total == 0 {
		m.zero++
		m.misses.push(ev.Query)
		m.pending.misses = append(m.pending.misses, ev)
	}
	if ev.CacheHit {
		m.cacheHits++
	}
	if m.recent.Contains(key) {
		m.repeats++
	}
	m.recent.Add(key, struct{}{})
}

// Snapshot copies the current counters.
func (m *QueryMetrics) Snapshot() *QueryMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := make([]TermCount, 0, m.terms.Len())
	for _, term := range m.terms.Keys() {
		if n, ok := m.terms.Peek(term); ok {
			top = append(top, TermCount{Term: term, Count: n})
		}
	}
	slices.SortFunc(top, func(a, b TermCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Term, b.Term))
	})

	return &QueryMetricsSnapshot{
		SourceCounts:        maps.Clone(m.sources),
		TopTerms:            top,
		ZeroResultQueries:   m.misses.values(),
		LatencyDistribution: maps.Clone(m.latencies),
		TotalQueries:        m.total,
		ZeroResultCount:     m.zero,
		CacheHits:           m.cacheHits,
		ExactRepeatCount:    m.repeats,
		UniqueQueryCount:    int64(m.recent.Len()),
		Since:               m.started,
	}
}

// Flush writes everything counted since the last successful flush. Parts
// that fail to write are kept for the next attempt; parts already written
// are not repeated.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	d := m.pending
	m.pending = newDelta()
	m.mu.Unlock()

	err := m.write(d)
	if err != nil {
		m.mu.Lock()
		m.pending.absorb(d)
		m.mu.Unlock()
	}
	return err
}

// write stores d part by part, emptying each part once it is stored.
func (m *QueryMetrics) write(d *delta) error {
	day := time.Now().Format("2006-01-02")

	if len(d.sources) > 0 {
		if err := m.store.SaveSourceCounts(day, d.sources); err != nil {
			return err
		}
		clear(d.sources)
	}
	if len(d.terms) > 0 {
		if err := m.store.UpsertTermCounts(d.terms); err != nil {
			return err
		}
		clear(d.terms)
	}
	if len(d.latencies) > 0 {
		if err := m.store.SaveLatencyCounts(day, d.latencies); err != nil {
			return err
		}
		clear(d.latencies)
	}
	for len(d.misses) > 0 {
		ev := d.misses[0]
		if err := m.store.AddZeroResultQuery(ev.Query, ev.Timestamp); err != nil {
			return err
		}
		d.misses = d.misses[1:]
	}
	return nil
}

// Close stops background flushing and flushes one last time. Later
// Record calls are ignored.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
	return m.Flush()
}
