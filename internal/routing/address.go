package routing

import "strings"

// Normalize strips a plus-address tag from the local part:
// user+tag@example.com becomes user@example.com. Addresses without '@'
// are returned unchanged and the domain is never modified.
func Normalize(address string) string {
	local, domain, ok := strings.Cut(address, "@")
	if !ok {
		return address
	}
	local, _, _ = strings.Cut(local, "+")
	return local + "@" + domain
}

// LookupKeys returns the rule store keys for address from most to least
// specific: exact, normalized, domain wildcard, global wildcard.
func LookupKeys(address string) []string {
	keys := make([]string, 0, 4)
	keys = append(keys, KeyPrefix+address)

	if normalized := Normalize(address); normalized != address {
		keys = append(keys, KeyPrefix+normalized)
	}

	if _, domain, ok := strings.Cut(address, "@"); ok {
		keys = append(keys, KeyPrefix+"*@"+domain)
	}

	return append(keys, KeyPrefix+"*")
}
