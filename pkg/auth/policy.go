package auth

import (
	"path"

	"github.com/fleetwork/drover/pkg/config"
)

// Policy derives per-identity auto-sign/auto-reject flags from configured
// glob patterns. Reject patterns take precedence over sign patterns.
type Policy struct {
	autoAccept     bool
	openMode       bool
	signPatterns   []string
	rejectPatterns []string
}

func NewPolicy(cfg *config.Config) *Policy {
	return &Policy{
		autoAccept:     cfg.AutoAccept,
		openMode:       cfg.OpenMode,
		signPatterns:   cfg.AutosignIDs,
		rejectPatterns: cfg.AutorejectIDs,
	}
}

// FlagsFor resolves the decision flags for one identity.
func (p *Policy) FlagsFor(minionID string) Flags {
	return Flags{
		AutoReject: matchAny(p.rejectPatterns, minionID),
		AutoSign:   p.autoAccept || matchAny(p.signPatterns, minionID),
		OpenMode:   p.openMode,
	}
}

func matchAny(patterns []string, id string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}
