package engine

import "sync"

// ConcurrencyController caps simultaneously running runs per workflow definition.
type ConcurrencyController struct {
	mu     sync.Mutex
	active map[string]map[string]struct{}
}

// NewConcurrencyController returns an empty controller.
func NewConcurrencyController() *ConcurrencyController {
	return &ConcurrencyController{active: make(map[string]map[string]struct{})}
}

// Acquire admits runID for definitionID unless maxConcurrent runs are already
// active, in which case it returns false and changes nothing. A maxConcurrent
// below one is treated as one. Re-acquiring an admitted run is a no-op success.
func (c *ConcurrencyController) Acquire(definitionID string, maxConcurrent int, runID string) bool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	runs := c.active[definitionID]
	if _, ok := runs[runID]; ok {
		return true
	}
	if len(runs) >= maxConcurrent {
		return false
	}
	if runs == nil {
		runs = make(map[string]struct{})
		c.active[definitionID] = runs
	}
	runs[runID] = struct{}{}
	return true
}

// Release removes runID and prunes the definition entry when it empties.
func (c *ConcurrencyController) Release(definitionID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runs, ok := c.active[definitionID]
	if !ok {
		return
	}
	delete(runs, runID)
	if len(runs) == 0 {
		delete(c.active, definitionID)
	}
}

// Active returns the number of admitted runs for a definition.
func (c *ConcurrencyController) Active(definitionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active[definitionID])
}

// Definitions returns how many definitions currently hold at least one slot.
func (c *ConcurrencyController) Definitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
