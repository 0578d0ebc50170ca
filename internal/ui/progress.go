package ui

import (
	"sync"
	"time"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
)

const (
	// speedInterval is the minimum gap between throughput samples.
	speedInterval = 500 * time.Millisecond
	// speedSmoothing weights the newest sample in the rolling average.
	speedSmoothing = 0.2
	// etaSmoothing weights the newest estimate in the displayed ETA.
	etaSmoothing = 0.3
)

// SpeedStats is throughput in rows per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of a ProgressTracker.
type ProgressStats struct {
	Stage    catalog.Stage
	Current  int
	Total    int
	Progress float64
	ETA      time.Duration
	Warnings int
	Speed    SpeedStats
}

// ProgressTracker accumulates importer progress for display.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu  sync.Mutex
	now func() time.Time

	stage      catalog.Stage
	current    int
	total      int
	stageStart time.Time
	warnings   []string

	lastETA     time.Duration
	lastCurrent int
	lastSample  time.Time
	speed       SpeedStats
	samples     int
	sparkline   *Sparkline
}

// NewProgressTracker creates a tracker starting in the reading stage.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{
		now:        now,
		stage:      catalog.StageReading,
		stageStart: t,
		lastSample: t,
		sparkline:  NewSparkline(60),
	}
}

// Observe applies an importer update, switching stage when it changes.
func (p *ProgressTracker) Observe(update catalog.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if update.Stage != p.stage {
		p.resetStage(update.Stage)
	}
	p.total = update.Total
	p.current = update.Current
	p.sample()
}

func (p *ProgressTracker) resetStage(stage catalog.Stage) {
	t := p.now()
	p.stage = stage
	p.current = 0
	p.total = 0
	p.stageStart = t
	p.lastETA = 0
	p.lastCurrent = 0
	p.lastSample = t
	p.speed = SpeedStats{}
	p.samples = 0
	p.sparkline.Clear()
}

// sample updates throughput at most once per speedInterval.
func (p *ProgressTracker) sample() {
	t := p.now()
	elapsed := t.Sub(p.lastSample)
	if elapsed < speedInterval {
		return
	}
	if delta := p.current - p.lastCurrent; delta > 0 {
		v := float64(delta) / elapsed.Seconds()
		p.speed.Current = v
		p.samples++
		if p.samples == 1 {
			p.speed.Avg = v
		} else {
			p.speed.Avg = speedSmoothing*v + (1-speedSmoothing)*p.speed.Avg
		}
		p.speed.Peak = max(p.speed.Peak, v)
		p.sparkline.Add(v)
	}
	p.lastCurrent = p.current
	p.lastSample = t
}

// Warn records a warning.
func (p *ProgressTracker) Warn(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnings = append(p.warnings, msg)
}

// Warnings returns a copy of the recorded warnings.
func (p *ProgressTracker) Warnings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.warnings...)
}

// Stats returns a snapshot. The ETA is smoothed across calls.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProgressStats{
		Stage:    p.stage,
		Current:  p.current,
		Total:    p.total,
		Progress: p.fraction(),
		ETA:      p.eta(),
		Warnings: len(p.warnings),
		Speed:    p.speed,
	}
}

// RenderSparkline draws recent throughput in width cells.
func (p *ProgressTracker) RenderSparkline(width int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sparkline.Render(width)
}

func (p *ProgressTracker) fraction() float64 {
	if p.total <= 0 {
		return 0
	}
	return min(float64(p.current)/float64(p.total), 1)
}

// eta must be called with mu held.
func (p *ProgressTracker) eta() time.Duration {
	progress := p.fraction()
	if progress <= 0 || progress >= 1 {
		return 0
	}
	elapsed := p.now().Sub(p.stageStart)
	remaining := time.Duration(float64(elapsed)/progress) - elapsed
	if remaining < 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = remaining
		return remaining
	}
	p.lastETA = time.Duration(etaSmoothing*float64(remaining) + (1-etaSmoothing)*float64(p.lastETA))
	return p.lastETA
}
