package routing

import "strings"

// Class is the outcome of route classification.
type Class int

const (
	NotPublic Class = iota
	Public
)

func (c Class) String() string {
	if c == Public {
		return "public"
	}
	return "not_public"
}

// Classify reports whether path is reachable without any authentication
// decision. Matching is a case-sensitive plain prefix test, no wildcards.
func Classify(path string, cfg Config) Class {
	if matchPrefix(path, cfg.PublicRoutePrefixes) {
		return Public
	}
	return NotPublic
}

func matchPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
