package migrate

import (
	"log"
	"time"
)

// progress reports copy throughput at most once per interval.
type progress struct {
	table    string
	total    int64
	interval time.Duration
	now      func() time.Time

	start time.Time
	last  time.Time
}

func newProgress(table string, total int64, interval time.Duration, now func() time.Time) *progress {
	t := now()
	return &progress{
		table:    table,
		total:    total,
		interval: interval,
		now:      now,
		start:    t,
		last:     t,
	}
}

// tick logs a progress line when interval has elapsed since the last one.
// It reports whether a line was written.
func (p *progress) tick(done int64) bool {
	t := p.now()
	if t.Sub(p.last) < p.interval {
		return false
	}
	p.last = t
	rate, eta := p.estimate(done, t)
	log.Printf("[migrate] %s: %d/%d rows (%.0f rows/s, eta %s)", p.table, done, p.total, rate, eta)
	return true
}

func (p *progress) finish(done int64) {
	elapsed := p.now().Sub(p.start)
	log.Printf("[migrate] %s: copied %d rows in %s", p.table, done, elapsed.Round(time.Millisecond))
}

// estimate returns rows/sec so far and the time left to reach total. A zero
// rate yields an unknown (zero) ETA.
func (p *progress) estimate(done int64, at time.Time) (float64, time.Duration) {
	elapsed := at.Sub(p.start).Seconds()
	if elapsed <= 0 || done <= 0 {
		return 0, 0
	}
	rate := float64(done) / elapsed
	remaining := p.total - done
	if remaining <= 0 {
		return rate, 0
	}
	return rate, time.Duration(float64(remaining) / rate * float64(time.Second)).Round(time.Second)
}
