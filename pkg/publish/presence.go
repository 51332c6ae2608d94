package publish

import (
	"sort"

	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/logger"
)

// PresenceCallback records a new subscriber connection after its token
// checks out. Duplicate registrations of the same handle are no-ops;
// presence changes only on the first handle for an identity.
func (r *Router) PresenceCallback(minionID string, token []byte, handle string) bool {
	if !r.verifier.Verify(minionID, token) {
		logger.Warn("Subscriber failed token verification", "minion", minionID)
		return false
	}

	r.mu.Lock()
	conns, ok := r.present[minionID]
	if !ok {
		conns = make(map[string]struct{})
		r.present[minionID] = conns
	}
	if _, dup := conns[handle]; dup {
		r.mu.Unlock()
		return true
	}
	conns[handle] = struct{}{}
	first := len(conns) == 1
	r.mu.Unlock()

	if first {
		if err := r.registry.MarkConnected(minionID); err != nil {
			logger.Error("Failed to record minion connection", err, "minion", minionID)
		}
		r.firePresenceChange([]string{minionID}, nil)
	}
	logger.Debug("Subscriber registered", "minion", minionID, "handle", handle)
	return true
}

// RemovePresenceCallback drops one connection handle. Removing a handle
// that was never added is a no-op; disconnect detection paths race and both
// may report the same handle.
func (r *Router) RemovePresenceCallback(minionID, handle string) {
	r.mu.Lock()
	conns, ok := r.present[minionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := conns[handle]; !ok {
		r.mu.Unlock()
		return
	}
	delete(conns, handle)
	last := len(conns) == 0
	if last {
		delete(r.present, minionID)
	}
	r.mu.Unlock()

	if last {
		if err := r.registry.MarkDisconnected(minionID); err != nil {
			logger.Error("Failed to remove minion connection", err, "minion", minionID)
		}
		r.firePresenceChange(nil, []string{minionID})
	}
	logger.Debug("Subscriber removed", "minion", minionID, "handle", handle)
}

// PresentIDs returns the identities with at least one live connection.
func (r *Router) PresentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.present))
	for id := range r.present {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FirePresentSnapshot publishes the full presence set, typically on a
// periodic schedule.
func (r *Router) FirePresentSnapshot() {
	if !r.opts.PresenceEvents {
		return
	}
	event := map[string]any{"present": r.PresentIDs()}
	if err := r.bus.Fire(event, eventbus.Tagify("present", "presence"), 0); err != nil {
		logger.Warn("Failed to fire presence snapshot")
	}
}

func (r *Router) firePresenceChange(added, lost []string) {
	if !r.opts.PresenceEvents {
		return
	}
	event := map[string]any{"new": added, "lost": lost}
	if err := r.bus.Fire(event, eventbus.Tagify("change", "presence"), 0); err != nil {
		logger.Warn("Failed to fire presence change event")
	}
}
