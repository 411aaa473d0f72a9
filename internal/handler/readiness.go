package handler

import "sync"

// Readiness tracks named startup dependency checks. The process reports
// ready once every registered check has been marked.
type Readiness struct {
	mu     sync.Mutex
	checks map[string]bool
}

// NewReadiness registers the named checks, all initially unready.
func NewReadiness(names ...string) *Readiness {
	checks := make(map[string]bool, len(names))
	for _, name := range names {
		checks[name] = false
	}
	return &Readiness{checks: checks}
}

// MarkReady flips one check. Unknown names are added, so late-registered
// dependencies still show up in the probe output.
func (r *Readiness) MarkReady(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = true
}

// Status returns the overall state and a snapshot of every check.
func (r *Readiness) Status() (bool, map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.checks))
	ready := true
	for name, ok := range r.checks {
		out[name] = ok
		ready = ready && ok
	}
	return ready, out
}
