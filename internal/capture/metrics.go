package capture

import (
	"sync"
	"time"
)

// fpsWindowSize is the number of recent frame timestamps kept for the
// rolling FPS average.
const fpsWindowSize = 60

// Metrics is a point-in-time snapshot of a session's counters
type Metrics struct {
	TotalFrames   int64
	DroppedFrames int64
	ErrorFrames   int64
	CurrentFPS    float64
	AverageFPS    float64
	Uptime        time.Duration
	TotalBytes    int64
}

// sessionMetrics tracks frame statistics from wall-clock timestamps only; a
// fixed-size ring of recent frame times backs the rolling FPS figures.
type sessionMetrics struct {
	mu sync.Mutex

	startedAt   time.Time
	totalFrames int64
	dropped     int64
	errored     int64
	totalBytes  int64

	window [fpsWindowSize]time.Time
	head   int
	filled int

	lastFrameAt time.Time
	lastGap     time.Duration
}

func newSessionMetrics() *sessionMetrics {
	return &sessionMetrics{}
}

func (m *sessionMetrics) markStarted(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = now
}

func (m *sessionMetrics) recordFrame(now time.Time, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalFrames++
	m.totalBytes += bytes

	if !m.lastFrameAt.IsZero() {
		m.lastGap = now.Sub(m.lastFrameAt)
	}
	m.lastFrameAt = now

	m.window[m.head] = now
	m.head = (m.head + 1) % fpsWindowSize
	if m.filled < fpsWindowSize {
		m.filled++
	}
}

func (m *sessionMetrics) recordDrop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *sessionMetrics) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored++
}

// snapshot computes the metrics view. CurrentFPS derives from the gap
// between the two most recent frames, AverageFPS from the rolling window.
func (m *sessionMetrics) snapshot(now time.Time) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalFrames:   m.totalFrames,
		DroppedFrames: m.dropped,
		ErrorFrames:   m.errored,
		TotalBytes:    m.totalBytes,
	}
	if !m.startedAt.IsZero() {
		out.Uptime = now.Sub(m.startedAt)
	}
	if m.lastGap > 0 {
		out.CurrentFPS = float64(time.Second) / float64(m.lastGap)
	}

	if m.filled >= 2 {
		newest := m.window[(m.head-1+fpsWindowSize)%fpsWindowSize]
		oldest := m.window[(m.head-m.filled+fpsWindowSize)%fpsWindowSize]
		span := newest.Sub(oldest)
		if span > 0 {
			out.AverageFPS = float64(m.filled-1) / span.Seconds()
		}
	}

	return out
}
