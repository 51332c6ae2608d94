package auth

import (
	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/keystore"
)

// Flags are the per-identity policy inputs to a trust decision.
type Flags struct {
	AutoReject bool
	AutoSign   bool
	OpenMode   bool
}

// Outcome is what the minion is told.
type Outcome int

const (
	// OutcomeReject replies false; the minion must not retry with this key.
	OutcomeReject Outcome = iota
	// OutcomePending replies true; the minion retries until an operator
	// decides.
	OutcomePending
	// OutcomeAccept proceeds to the accept reply with key material.
	OutcomeAccept
)

// Decision is the result of one trust evaluation. NewState is empty when
// the stored record must not be touched.
type Decision struct {
	Outcome      Outcome
	Act          string
	NewState     keystore.KeyState
	RecordDenial bool
}

// Decide evaluates one authentication attempt against the stored record.
// It is pure; the caller applies NewState, denial recording, and events.
func Decide(rec *keystore.KeyRecord, incomingPub string, flags Flags) Decision {
	if flags.OpenMode {
		if incomingPub == "" {
			return Decision{Outcome: OutcomeReject, Act: "reject"}
		}
		return Decision{Outcome: OutcomeAccept, Act: "accept", NewState: keystore.StateAccepted}
	}

	if rec == nil {
		switch {
		case flags.AutoReject:
			return Decision{Outcome: OutcomeReject, Act: "reject", NewState: keystore.StateRejected}
		case flags.AutoSign:
			return Decision{Outcome: OutcomeAccept, Act: "accept", NewState: keystore.StateAccepted}
		default:
			return Decision{Outcome: OutcomePending, Act: "pend", NewState: keystore.StatePending}
		}
	}

	switch rec.State {
	case keystore.StateRejected:
		return Decision{Outcome: OutcomeReject, Act: "reject"}

	case keystore.StateAccepted:
		if !crypt.CompareKeys(rec.Pub, incomingPub) {
			return Decision{Outcome: OutcomeReject, Act: "denied", RecordDenial: true}
		}
		return Decision{Outcome: OutcomeAccept, Act: "accept"}

	case keystore.StatePending:
		if flags.AutoReject {
			return Decision{Outcome: OutcomeReject, Act: "reject", NewState: keystore.StateRejected}
		}
		if !crypt.CompareKeys(rec.Pub, incomingPub) {
			return Decision{Outcome: OutcomeReject, Act: "denied", RecordDenial: true}
		}
		if flags.AutoSign {
			return Decision{Outcome: OutcomeAccept, Act: "accept", NewState: keystore.StateAccepted}
		}
		return Decision{Outcome: OutcomePending, Act: "pend"}
	}

	return Decision{Outcome: OutcomeReject, Act: "reject"}
}
