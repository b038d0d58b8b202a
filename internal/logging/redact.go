package logging

import "strings"

// sensitiveKeys lists attribute keys whose values are never printed verbatim.
// Matching is case-insensitive on the whole key.
var sensitiveKeys = map[string]struct{}{
	"passphrase": {},
	"password":   {},
	"secret":     {},
	"token":      {},
	"key_value":  {},
}

// ShouldMask reports whether an attribute with the given key must be masked.
func ShouldMask(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// MaskValue masks a potentially sensitive string value.
// Values with 4 or fewer characters are fully masked as "********".
// Longer values show the last 4 characters: "****xxxx".
func MaskValue(value string) string {
	if len(value) <= 4 {
		return "********"
	}
	return "****" + value[len(value)-4:]
}
