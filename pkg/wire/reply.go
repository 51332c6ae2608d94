package wire

import "encoding/json"

// ReplyMode is the closed set of ways a request reply can be encoded.
type ReplyMode int

const (
	// ReplySend encrypts the reply with the requesting minion's channel key.
	ReplySend ReplyMode = iota
	// ReplySendClear returns the reply unencrypted.
	ReplySendClear
	// ReplySendPrivate encrypts the reply to a specific target's public key.
	ReplySendPrivate
)

func (m ReplyMode) String() string {
	switch m {
	case ReplySend:
		return "send"
	case ReplySendClear:
		return "send_clear"
	case ReplySendPrivate:
		return "send_private"
	}
	return "unknown"
}

// ReplyOptions is returned by the application handler alongside the result
// and steers reply encoding.
type ReplyOptions struct {
	Mode ReplyMode
	// Key is the load entry the privately encrypted blob is stored under.
	Key string
	// Target is the minion identity whose public key wraps the one-time key.
	Target string
}

// ClearReply is an unsigned clear-channel reply.
type ClearReply struct {
	Enc  EncKind `json:"enc"`
	Load Load    `json:"load"`
}

// SignedReply carries a serialized load plus the master's signature over it.
type SignedReply struct {
	Enc     EncKind `json:"enc"`
	Load    []byte  `json:"load"`
	Sig     []byte  `json:"sig"`
	SigAlgo string  `json:"sig_algo,omitempty"`
}

// AuthAccept is the reply to a successful authentication. AES and Session are
// RSA-encrypted to the minion's public key, Sig is the master-encrypted
// digest of the plaintext secret.
type AuthAccept struct {
	Enc         EncKind `json:"enc"`
	PubKey      string  `json:"pub_key"`
	PublishPort int     `json:"publish_port"`
	PubSig      string  `json:"pub_sig,omitempty"`
	AES         []byte  `json:"aes,omitempty"`
	Session     []byte  `json:"session,omitempty"`
	Token       []byte  `json:"token,omitempty"`
	Sig         []byte  `json:"sig,omitempty"`
	Nonce       string  `json:"nonce,omitempty"`
}

// Encode serializes a reply value for the transport.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeString serializes the opaque error strings surfaced to peers
// ("bad load" and friends).
func EncodeString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
