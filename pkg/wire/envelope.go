package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// EncKind selects how an envelope's load is protected on the wire.
type EncKind string

const (
	EncClear EncKind = "clear"
	EncAES   EncKind = "aes"
	EncPub   EncKind = "pub"
)

// Protocol versions. Version 0 is the legacy protocol, version 2 adds reply
// nonces and signed clear replies, version 3 adds per-minion session keys,
// request TTLs and outer/inner id binding.
const (
	VersionLegacy  = 0
	VersionNonce   = 2
	VersionSession = 3
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrLoadNotMapping    = errors.New("load is not a mapping")
)

// Envelope is the outer request/reply message exchanged with minions. For
// enc="aes" the Load field holds ciphertext (base64 in JSON); for enc="clear"
// it holds a serialized Load mapping.
type Envelope struct {
	Enc     EncKind         `json:"enc"`
	Load    json.RawMessage `json:"load"`
	ID      string          `json:"id,omitempty"`
	Version int             `json:"version,omitempty"`
	Sig     []byte          `json:"sig,omitempty"`
	SigAlgo string          `json:"sig_algo,omitempty"`
	EncAlgo string          `json:"enc_algo,omitempty"`
}

// DecodeEnvelope parses raw wire bytes. It only checks that the envelope is a
// mapping carrying enc and load; everything else is the dispatcher's problem.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, ok := fields["enc"]; !ok {
		return nil, fmt.Errorf("%w: missing enc", ErrMalformedEnvelope)
	}
	if _, ok := fields["load"]; !ok {
		return nil, fmt.Errorf("%w: missing load", ErrMalformedEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// Load is the inner request mapping. The dispatcher hands the whole mapping
// to the application handler, so arbitrary fields survive the trip.
type Load map[string]any

// DecodeLoad parses serialized load bytes, rejecting non-mappings.
func DecodeLoad(raw []byte) (Load, error) {
	var load Load
	if err := json.Unmarshal(raw, &load); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadNotMapping, err)
	}
	if load == nil {
		return nil, ErrLoadNotMapping
	}
	return load, nil
}

// CiphertextLoad extracts the raw ciphertext bytes of an aes envelope load.
func (e *Envelope) CiphertextLoad() ([]byte, error) {
	var ct []byte
	if err := json.Unmarshal(e.Load, &ct); err != nil {
		return nil, fmt.Errorf("%w: aes load is not ciphertext", ErrMalformedEnvelope)
	}
	return ct, nil
}

// ID returns the load's id field. ok reports whether the field is a string;
// a missing id yields ("", true) so callers can treat it as empty.
func (l Load) ID() (string, bool) {
	v, present := l["id"]
	if !present {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}

// Cmd returns the command name of a clear load.
func (l Load) Cmd() string {
	s, _ := l["cmd"].(string)
	return s
}

// Timestamp returns the load's issuance time in unix seconds.
func (l Load) Timestamp() (float64, bool) {
	switch v := l["ts"].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// PopNonce removes and returns the reply nonce.
func (l Load) PopNonce() string {
	v, ok := l["nonce"].(string)
	if ok {
		delete(l, "nonce")
	}
	return v
}

// PopToken removes and returns the authorization token so it is not passed
// along to request handlers.
func (l Load) PopToken() (string, bool) {
	v, present := l["tok"]
	if !present {
		return "", false
	}
	delete(l, "tok")
	s, _ := v.(string)
	return s, true
}

// HasNullByte reports whether the id carries an embedded NUL.
func HasNullByte(id string) bool {
	return strings.ContainsRune(id, '\x00')
}

var validIDPattern = regexp.MustCompile(`^[\w.:-]+$`)

// ValidID reports whether id is a well-formed minion identity. Identities
// name files and store keys, so path separators and whitespace never pass.
func ValidID(id string) bool {
	return id != "" && validIDPattern.MatchString(id)
}
