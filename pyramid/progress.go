package pyramid

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ProgressListener follows a long-running operation. Progressed may be called
// concurrently from multiple goroutines. A total of -1 means unknown.
type ProgressListener interface {
	Started(total int64)
	Progressed(done, total int64)
	Finished(err error)
}

// NopProgress ignores all progress.
type NopProgress struct{}

func (NopProgress) Started(int64)           {}
func (NopProgress) Progressed(int64, int64) {}
func (NopProgress) Finished(error)          {}

// OrNop returns l, or NopProgress when l is nil.
func OrNop(l ProgressListener) ProgressListener {
	if l == nil {
		return NopProgress{}
	}
	return l
}

// LogProgress logs progress with the standard logger, at most once per Interval.
type LogProgress struct {
	Label    string
	Interval time.Duration

	start    time.Time
	lastLog  atomic.Int64
	mu       sync.Mutex
	finished bool
}

func NewLogProgress(label string) *LogProgress {
	return &LogProgress{Label: label, Interval: 5 * time.Second}
}

func (p *LogProgress) Started(total int64) {
	p.start = time.Now()
	p.lastLog.Store(p.start.UnixNano())
	if total < 0 {
		log.Printf("  %s: started", p.Label)
		return
	}
	log.Printf("  %s: started, %d tiles", p.Label, total)
}

func (p *LogProgress) Progressed(done, total int64) {
	now := time.Now().UnixNano()
	last := p.lastLog.Load()
	if time.Duration(now-last) < p.Interval || !p.lastLog.CompareAndSwap(last, now) {
		return
	}
	elapsed := time.Since(p.start)
	rate := float64(done) / elapsed.Seconds()
	if total < 0 {
		log.Printf("    %s: %d tiles  %.0f/s", p.Label, done, rate)
		return
	}
	log.Printf("    %s: %d/%d tiles  %.0f/s", p.Label, done, total, rate)
}

func (p *LogProgress) Finished(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if err != nil {
		log.Printf("  %s: failed after %v: %v", p.Label, time.Since(p.start).Truncate(time.Millisecond), err)
		return
	}
	log.Printf("  %s: finished in %v", p.Label, time.Since(p.start).Truncate(time.Millisecond))
}
