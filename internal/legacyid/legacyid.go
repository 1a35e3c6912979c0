// Package legacyid canonicalizes transaction identifiers taken from the legacy
// attachment tree so they can be joined against the mapping export.
package legacyid

import "strings"

// Prefix is stripped from raw legacy ids; the mapping export stores ids without it.
const Prefix = "80"

// Normalize trims surrounding whitespace, drops a single leading Prefix and
// upper-cases the remainder. It is total. Repeated application is stable
// unless the trimmed value starts with the prefix twice ("8080AB").
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, Prefix)
	return strings.ToUpper(value)
}

// NormalizePtr is Normalize for optional values; nil maps to "".
func NormalizePtr(raw *string) string {
	if raw == nil {
		return ""
	}
	return Normalize(*raw)
}
