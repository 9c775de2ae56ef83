package rebalance

import (
	"time"
)

// InspectorConfig carries the startup-scan tunables. Default throttle is
// 100ms between address probes, per the Open Question decision recorded
// in DESIGN.md.
type InspectorConfig struct {
	Throttle time.Duration
}

// RunInspector performs the one-shot startup scan of spec.md §4.6's
// rebalance inspector: it walks every address the catalog already knows
// about and schedules any that are under-replicated, covering the case
// where the node restarts holding stale quorum state from before a
// crash. It is throttled so a large catalog does not burst the work
// queue all at once.
func (r *Rebalancer) RunInspector(cfg InspectorConfig) {
	if cfg.Throttle <= 0 {
		cfg.Throttle = 100 * time.Millisecond
	}
	for _, addr := range r.cfg.Catalog.All() {
		addr := addr
		entry, ok := r.cfg.Catalog.Lookup(addr)
		if ok && len(entry.Quorum) < r.cfg.Factor {
			r.actionChan <- func() { r.enqueue(work{addr: addr}) }
		}
		time.Sleep(cfg.Throttle)
	}
}
