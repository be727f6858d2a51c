// Package asyncindex runs a collection's HNSW rebuild in the background: a
// secondary graph is built from the collection's live vectors while
// searches keep serving the primary graph, then the two are swapped once
// the secondary passes a search-quality check.
package asyncindex

import (
	"sync"
	"time"
)

// State is the rebuild's current phase.
type State string

const (
	StateIdle      State = "Idle"
	StateBuilding  State = "Building"
	StateSwapping  State = "Swapping"
	StateReplaying State = "Replaying"
	StateFailed    State = "Failed"
)

// ProgressSnapshot is an immutable view of rebuild progress, safe to hand
// to callers outside the collection's lock.
type ProgressSnapshot struct {
	State       State
	NodesBuilt  int
	Total       int
	EtaSeconds  float64
	ErrorMessage string
}

// Progress is the thread-safe progress tracker one rebuild run owns.
type Progress struct {
	mu sync.RWMutex

	state      State
	nodesBuilt int
	total      int
	startedAt  time.Time
	errMessage string
}

// NewProgress creates a tracker in the Idle state.
func NewProgress() *Progress {
	return &Progress{state: StateIdle}
}

// Start resets the tracker to Building with the given total node count.
func (p *Progress) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateBuilding
	p.nodesBuilt = 0
	p.total = total
	p.startedAt = time.Now()
	p.errMessage = ""
}

// Update reports how many nodes have been rebuilt so far.
func (p *Progress) Update(built int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodesBuilt = built
}

// SetState transitions the tracker to a new phase (Swapping, Replaying).
func (p *Progress) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Fail marks the rebuild as failed with a message, used after a
// search-quality rollback or a build-time error.
func (p *Progress) Fail(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateFailed
	p.errMessage = msg
}

// Done returns the tracker to Idle, the terminal state of a successful run.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateIdle
	p.nodesBuilt = p.total
}

// Snapshot computes an ETA from elapsed time and completion fraction and
// returns an immutable copy.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var eta float64
	if p.nodesBuilt > 0 && p.total > p.nodesBuilt {
		elapsed := time.Since(p.startedAt).Seconds()
		rate := float64(p.nodesBuilt) / elapsed
		if rate > 0 {
			eta = float64(p.total-p.nodesBuilt) / rate
		}
	}

	return ProgressSnapshot{
		State:        p.state,
		NodesBuilt:   p.nodesBuilt,
		Total:        p.total,
		EtaSeconds:   eta,
		ErrorMessage: p.errMessage,
	}
}
