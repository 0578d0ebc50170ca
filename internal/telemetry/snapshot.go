package telemetry

import (
	"fmt"
	"time"
)

// TermCount is a search term and how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryMetricsSnapshot is a point-in-time copy of the in-memory counters.
// Counters cover this process only; flushed history lives in the Store.
type QueryMetricsSnapshot struct {
	SourceCounts        map[Source]int64        `json:"source_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	CacheHits           int64                   `json:"cache_hits"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	UniqueQueryCount    int64                   `json:"unique_query_count"`
	Since               time.Time               `json:"since"`
}

func share(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// ZeroResultPercentage is the percentage of searches that matched no book.
func (s *QueryMetricsSnapshot) ZeroResultPercentage() float64 {
	return share(s.ZeroResultCount, s.TotalQueries) * 100
}

// CacheHitRate is the fraction of searches answered from the page cache.
func (s *QueryMetricsSnapshot) CacheHitRate() float64 {
	return share(s.CacheHits, s.TotalQueries)
}

// RepetitionSummary describes how often people search for the same thing.
func (s *QueryMetricsSnapshot) RepetitionSummary() string {
	if s.TotalQueries == 0 {
		return "No queries recorded"
	}
	return fmt.Sprintf("repeats=%.1f%%, unique=%d, cache=%.1f%%",
		share(s.ExactRepeatCount, s.TotalQueries)*100,
		s.UniqueQueryCount, s.CacheHitRate()*100)
}
