package engine

import (
	"strings"
	"sync"
)

// familyGate caps how many tasks of one family run at once. Exclusive
// families use a cap of 1. The cap is read per admission, so a reload that
// changes it applies to the next task.
type familyGate struct {
	mu      sync.Mutex
	running map[string]int
}

// familyOf is the gate key: the family, else the task name.
func familyOf(t Task) string {
	if k := strings.TrimSpace(t.Family); k != "" {
		return k
	}
	return strings.TrimSpace(t.Name)
}

// enter admits t if its family is under the cap. The returned func releases
// the slot; it is nil when t is not gated.
func (g *familyGate) enter(t Task) (leave func(), ok bool) {
	if t.FamilyCap <= 0 {
		return nil, true
	}
	fam := familyOf(t)
	if fam == "" {
		return nil, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[fam] >= t.FamilyCap {
		return nil, false
	}
	if g.running == nil {
		g.running = make(map[string]int)
	}
	g.running[fam]++

	var once sync.Once
	return func() { once.Do(func() { g.leave(fam) }) }, true
}

func (g *familyGate) leave(fam string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.running[fam] - 1; n > 0 {
		g.running[fam] = n
	} else {
		delete(g.running, fam)
	}
}
