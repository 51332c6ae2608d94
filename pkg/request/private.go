package request

import (
	"fmt"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/wire"
)

// encryptPrivate builds a reply only the target minion can read: the result
// is encrypted under a fresh one-time key, and that key is wrapped with the
// target's public key. A missing or corrupt target key degrades to an empty
// encrypted payload so the caller cannot learn keystore contents from the
// reply shape.
func (d *Dispatcher) encryptPrivate(result any, dictkey, target, nonce, encAlgo string, signMessages bool) ([]byte, error) {
	rec, err := d.store.FetchKey(target)
	if err != nil || rec == nil {
		logger.Warn("No usable key for private reply", "target", target)
		return d.emptyEncrypted()
	}
	pub, err := crypt.ParsePublicKey(rec.Pub)
	if err != nil {
		logger.Warn("Stored key for private reply failed to parse", "target", target)
		return d.emptyEncrypted()
	}

	oneTime, err := crypt.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate one-time key: %w", err)
	}
	pcrypt, err := crypt.NewCrypticle(oneTime)
	if err != nil {
		return nil, err
	}
	wrapped, err := pub.Encrypt([]byte(crypt.EncodeKeyString(oneTime)), encAlgo)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap one-time key: %w", err)
	}

	if result == nil {
		result = wire.Load{}
	}
	pret := map[string]any{"key": wrapped}

	if signMessages {
		if nonce == "" {
			return wire.Encode(map[string]any{"error": "Nonce verification error"})
		}
		tosign, err := wire.Encode(map[string]any{"key": wrapped, dictkey: result, "nonce": nonce})
		if err != nil {
			return nil, fmt.Errorf("failed to encode signable payload: %w", err)
		}
		sig, err := d.keys.Sign(tosign, d.opts.SigningAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to sign private reply: %w", err)
		}
		ct, err := pcrypt.Dumps(map[string]any{"data": tosign, "sig": sig}, "")
		if err != nil {
			return nil, err
		}
		pret[dictkey] = ct
	} else {
		ct, err := pcrypt.Dumps(result, "")
		if err != nil {
			return nil, err
		}
		pret[dictkey] = ct
	}
	return wire.Encode(pret)
}

// emptyEncrypted is the degraded private reply, indistinguishable on the
// wire from a reply that simply carried no data.
func (d *Dispatcher) emptyEncrypted() ([]byte, error) {
	c, err := d.sharedCrypticle()
	if err != nil {
		return nil, err
	}
	return c.Dumps(wire.Load{}, "")
}
