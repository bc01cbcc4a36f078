package dispatch

import "sync"

// claimSet tracks which runs have a step in flight. A claim must be held
// from submit until the outcome is recorded, so at most one step executes
// per run at a time.
type claimSet struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{held: make(map[int64]struct{})}
}

func (c *claimSet) TryAcquire(runNumber int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[runNumber]; ok {
		return false
	}
	c.held[runNumber] = struct{}{}
	return true
}

func (c *claimSet) Release(runNumber int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, runNumber)
}

func (c *claimSet) Held(runNumber int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[runNumber]
	return ok
}

// parkSet tracks cancelled and budget-exhausted runs. Parked runs keep
// their persisted state but the scans skip them until unparked.
type parkSet struct {
	mu     sync.Mutex
	parked map[int64]struct{}
}

func newParkSet() *parkSet {
	return &parkSet{parked: make(map[int64]struct{})}
}

func (p *parkSet) Park(runNumber int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parked[runNumber] = struct{}{}
}

func (p *parkSet) Unpark(runNumber int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.parked, runNumber)
}

func (p *parkSet) Parked(runNumber int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.parked[runNumber]
	return ok
}
