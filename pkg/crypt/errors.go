package crypt

import "errors"

// AuthenticationError marks decrypt/verify failures on the symmetric channel.
// The dispatcher treats it as the signal to refetch a possibly rotated master
// secret and retry exactly once, so it must be distinguishable from other
// failures by type rather than by message text.
type AuthenticationError struct {
	Msg   string
	Cause error
}

func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

func authErr(msg string, cause error) error {
	return &AuthenticationError{Msg: msg, Cause: cause}
}

// IsAuthenticationError reports whether err is (or wraps) an
// AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

var ErrInvalidKey = errors.New("invalid public key")
