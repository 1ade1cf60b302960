package routing

import "strings"

// ResolveTenant derives the tenant label from a Host header value.
//
// Local development hosts (anything containing "localhost") use the label in
// front of localhost, so acme.localhost:3000 resolves to acme and a bare
// localhost:3000 resolves to nothing. Everything else needs at least three
// dot-separated labels; the first one is the tenant unless it is www or
// purely numeric. The candidate must be lowercase letters, digits, or
// hyphens. Any other shape yields no tenant.
func ResolveTenant(host string) (string, bool) {
	var candidate string

	if strings.Contains(host, "localhost") {
		hostname, _, _ := strings.Cut(host, ":")
		if hostname == "localhost" {
			return "", false
		}
		candidate, _, _ = strings.Cut(hostname, ".")
	} else {
		labels := strings.Split(host, ".")
		if len(labels) < 3 {
			return "", false
		}
		candidate = labels[0]
		if candidate == "www" || allDigits(candidate) {
			return "", false
		}
	}

	if !validLabel(candidate) {
		return "", false
	}
	return candidate, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// validLabel matches ^[a-z0-9-]+$
func validLabel(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
