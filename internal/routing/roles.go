package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleSet is the set of roles claimed by a session token, deduplicated and in
// token order.
type RoleSet []string

// Has reports whether role is in the set.
func (rs RoleSet) Has(role string) bool {
	for _, r := range rs {
		if r == role {
			return true
		}
	}
	return false
}

// Header renders the set as a JSON array for the roles request header.
func (rs RoleSet) Header() string {
	if rs == nil {
		rs = RoleSet{}
	}
	b, err := json.Marshal([]string(rs))
	if err != nil {
		// []string always marshals
		return "[]"
	}
	return string(b)
}

// Decode failure reasons, also used as metric labels.
const (
	ReasonMalformedToken  = "malformed_token"
	ReasonPayloadEncoding = "payload_encoding"
	ReasonPayloadJSON     = "payload_json"
)

// DecodeError describes why a session token payload could not be read.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode session token: " + e.Reason
	}
	return fmt.Sprintf("decode session token: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// segmentDecoder decodes base64url segments, tolerating padding some issuers
// leave in place.
var segmentDecoder = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeRoles reads the roles claim from an unverified three-segment token.
// The signature segment is never inspected. A well-formed payload without a
// usable roles array yields an empty, non-nil RoleSet.
func DecodeRoles(token string) (RoleSet, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &DecodeError{Reason: ReasonMalformedToken, Err: fmt.Errorf("want 3 segments, got %d", len(parts))}
	}

	payload, err := segmentDecoder.DecodeSegment(parts[1])
	if err != nil {
		return nil, &DecodeError{Reason: ReasonPayloadEncoding, Err: err}
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, &DecodeError{Reason: ReasonPayloadJSON, Err: err}
	}
	if claims == nil {
		// payload was the JSON literal null
		return nil, &DecodeError{Reason: ReasonPayloadJSON, Err: errors.New("payload is not an object")}
	}

	return rolesClaim(claims["roles"]), nil
}

// rolesClaim accepts only an array made entirely of strings.
func rolesClaim(v any) RoleSet {
	raw, ok := v.([]any)
	if !ok {
		return RoleSet{}
	}
	out := make(RoleSet, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return RoleSet{}
		}
		if !out.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// ExtractRoles looks up the session cookie and decodes its roles. The bool is
// false when roles could not be determined at all, which is different from a
// token that claims no roles. An unset SessionCookie means the default
// cookie name.
func ExtractRoles(cookies map[string]string, cfg Config) (RoleSet, bool) {
	roles, err := extractRoles(cookies, cfg.WithDefaults())
	if err != nil {
		return nil, false
	}
	return roles, true
}

// ErrNoSession is returned when the request carries no session cookie.
var ErrNoSession = errors.New("no session cookie")

// extractRoles is ExtractRoles without collapsing the error.
func extractRoles(cookies map[string]string, cfg Config) (RoleSet, error) {
	token, ok := cookies[cfg.SessionCookie]
	if !ok {
		return nil, ErrNoSession
	}
	return DecodeRoles(token)
}
