package auth

import (
	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/logger"
)

// TokenPlaintext is the constant a minion signs with its private key to
// prove possession; the master verifies it against the accepted public key.
const TokenPlaintext = "drover"

// MinionVerifier is the shared token predicate used by the request channel
// and the publish presence callback.
type MinionVerifier struct {
	store keystore.Store
}

func NewMinionVerifier(store keystore.Store) *MinionVerifier {
	return &MinionVerifier{store: store}
}

// Verify checks token against the identity's accepted public key. Any
// failure, including an unknown or non-accepted identity, is false;
// detail stays in the logs.
func (v *MinionVerifier) Verify(minionID string, token []byte) bool {
	rec, err := v.store.FetchKey(minionID)
	if err != nil {
		logger.Error("Failed to fetch key for token check", err, "minion", minionID)
		return false
	}
	if rec == nil || rec.State != keystore.StateAccepted {
		logger.Warn("Token check for minion without an accepted key", "minion", minionID)
		return false
	}
	pub, err := crypt.ParsePublicKey(rec.Pub)
	if err != nil {
		logger.Error("Stored minion key failed to parse", err, "minion", minionID)
		return false
	}
	if err := pub.VerifyDigest([]byte(TokenPlaintext), token); err != nil {
		logger.Warn("Minion token failed verification", "minion", minionID)
		return false
	}
	return true
}
