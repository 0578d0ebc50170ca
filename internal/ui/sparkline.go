package ui

import "strings"

// sparkChars are the eight bar heights, lowest first.
var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline keeps the last N throughput samples and draws them as bars.
type Sparkline struct {
	samples []float64
	head    int
	count   int
}

// NewSparkline keeps up to size samples.
func NewSparkline(size int) *Sparkline {
	if size <= 0 {
		size = 60
	}
	return &Sparkline{samples: make([]float64, size)}
}

// Add records a sample, dropping the oldest when full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
	s.count++
}

// Clear drops all samples.
func (s *Sparkline) Clear() {
	clear(s.samples)
	s.head = 0
	s.count = 0
}

// Len returns the number of retained samples.
func (s *Sparkline) Len() int {
	return min(s.count, len(s.samples))
}

// recent returns up to n retained samples, oldest first.
func (s *Sparkline) recent(n int) []float64 {
	kept := s.Len()
	n = min(n, kept)
	out := make([]float64, 0, n)
	start := (s.head - n + len(s.samples)) % len(s.samples)
	for i := range n {
		out = append(out, s.samples[(start+i)%len(s.samples)])
	}
	return out
}

// Render draws the newest samples right-aligned in width cells, scaled to
// the largest of them.
func (s *Sparkline) Render(width int) string {
	if width <= 0 {
		width = len(s.samples)
	}
	values := s.recent(width)

	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", width-len(values)))
	for _, v := range values {
		idx := 0
		if peak > 0 {
			idx = int(v / peak * float64(len(sparkChars)-1))
		}
		b.WriteRune(sparkChars[max(0, min(idx, len(sparkChars)-1))])
	}
	return b.String()
}
