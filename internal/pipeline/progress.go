package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/photodup/photodup/internal/store"
)

// Snapshot is one progress observation delivered to the callback.
type Snapshot struct {
	Phase      string
	Counters   store.RunCounters
	Efficiency float64
}

// minEmitInterval bounds the callback rate; intermediate updates inside the
// window are dropped, never queued.
const minEmitInterval = 100 * time.Millisecond

// Progress holds live counters updated by the pipeline phases. All fields
// are atomic so they can be written from pool workers and read from the HTTP
// handler without locks.
type Progress struct {
	FilesScanned     atomic.Int64
	FilesNew         atomic.Int64
	FilesChanged     atomic.Int64
	FilesMissing     atomic.Int64
	FeaturesComputed atomic.Int64
	FeaturesReused   atomic.Int64
	Unprocessable    atomic.Int64
	GroupsCreated    atomic.Int64
	MembersEscalated atomic.Int64
	Conflicts        atomic.Int64
	Errors           atomic.Int64

	phase    atomic.Value // string
	cb       func(Snapshot)
	lastEmit atomic.Int64 // unix nanos of the last delivered callback
}

// NewProgress returns a progress tracker delivering throttled snapshots to
// cb. A nil cb is valid; counters still accumulate.
func NewProgress(cb func(Snapshot)) *Progress {
	p := &Progress{cb: cb}
	p.phase.Store("")
	return p
}

// SetPhase records the current pipeline phase and forces a snapshot out.
func (p *Progress) SetPhase(phase string) {
	p.phase.Store(phase)
	p.Flush()
}

// Phase returns the current pipeline phase.
func (p *Progress) Phase() string {
	return p.phase.Load().(string)
}

// Counters returns a point-in-time copy of all counters.
func (p *Progress) Counters() store.RunCounters {
	return store.RunCounters{
		FilesScanned:     p.FilesScanned.Load(),
		FilesNew:         p.FilesNew.Load(),
		FilesChanged:     p.FilesChanged.Load(),
		FilesMissing:     p.FilesMissing.Load(),
		FeaturesComputed: p.FeaturesComputed.Load(),
		FeaturesReused:   p.FeaturesReused.Load(),
		Unprocessable:    p.Unprocessable.Load(),
		GroupsCreated:    p.GroupsCreated.Load(),
		MembersEscalated: p.MembersEscalated.Load(),
		Conflicts:        p.Conflicts.Load(),
	}
}

// Snapshot builds the current observation.
func (p *Progress) Snapshot() Snapshot {
	c := p.Counters()
	return Snapshot{Phase: p.Phase(), Counters: c, Efficiency: c.Efficiency()}
}

// Emit delivers a snapshot unless one was delivered within the throttle
// window.
func (p *Progress) Emit() {
	if p.cb == nil {
		return
	}
	now := time.Now().UnixNano()
	last := p.lastEmit.Load()
	if now-last < int64(minEmitInterval) {
		return
	}
	if !p.lastEmit.CompareAndSwap(last, now) {
		return // another goroutine emitted first
	}
	p.cb(p.Snapshot())
}

// Flush delivers a snapshot regardless of the throttle window. Phase
// transitions and run completion use it so the final counts always arrive.
func (p *Progress) Flush() {
	if p.cb == nil {
		return
	}
	p.lastEmit.Store(time.Now().UnixNano())
	p.cb(p.Snapshot())
}
