package authority

import "fmt"

// ValidationError rejects a request before any state changes: bad TTL,
// unknown role, empty scope intersection, or an unparseable credential.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// NotFoundError indicates an unknown token id.
type NotFoundError struct {
	TokenID string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("token %s not found", e.TokenID) }

// RevokedError indicates the token was revoked before this call.
type RevokedError struct {
	TokenID string
	Reason  string
}

func (e RevokedError) Error() string { return fmt.Sprintf("token %s revoked", e.TokenID) }

// ExpiredError indicates the token passed its expiry during validation.
type ExpiredError struct {
	TokenID string
}

func (e ExpiredError) Error() string { return fmt.Sprintf("token %s expired", e.TokenID) }
