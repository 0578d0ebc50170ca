package telemetry

import "time"

// LatencyBucket labels one bar of the latency histogram.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"
	BucketP50   LatencyBucket = "p50"
	BucketP100  LatencyBucket = "p100"
	BucketP500  LatencyBucket = "p500"
	BucketP1000 LatencyBucket = "p1000"
)

// bucketBounds are exclusive upper bounds; anything slower is BucketP1000.
var bucketBounds = []struct {
	below  time.Duration
	bucket LatencyBucket
}{
	{10 * time.Millisecond, BucketP10},
	{50 * time.Millisecond, BucketP50},
	{100 * time.Millisecond, BucketP100},
	{500 * time.Millisecond, BucketP500},
}

// BucketFor returns the histogram bucket for a search latency.
func BucketFor(d time.Duration) LatencyBucket {
	for _, b := range bucketBounds {
		if d < b.below {
			return b.bucket
		}
	}
	return BucketP1000
}

// QueryEvent is one completed search.
type QueryEvent struct {
	Query     string
	Terms     []string // normalised tokens actually matched
	Source    Source
	Total     int // distinct books matched
	Page      int
	CacheHit  bool
	Latency   time.Duration
	Timestamp time.Time
}

// ring keeps the last n values. Callers hold the collector lock.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](n int) *ring[T] {
	return &ring[T]{buf: make([]T, n)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// values returns the kept values oldest first.
func (r *ring[T]) values() []T {
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
