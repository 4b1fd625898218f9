package util

import (
	"net/url"
	"strings"
)

// MaskToken shortens a secret for log output, keeping the first and last
// four characters. Inputs of eight characters or fewer are fully masked.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

var sensitiveQueryKeys = []string{"key", "token", "secret", "password", "api_key", "apikey", "access_token", "refresh_token"}

// MaskSensitiveQuery rewrites a raw query string so that values of
// credential-bearing parameters do not reach the request log.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "<unparsable-query>"
	}
	changed := false
	for name, vals := range values {
		if !isSensitiveQueryKey(name) {
			continue
		}
		for i, v := range vals {
			vals[i] = MaskToken(v)
		}
		values[name] = vals
		changed = true
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

func isSensitiveQueryKey(name string) bool {
	lower := strings.ToLower(name)
	for _, key := range sensitiveQueryKeys {
		if lower == key || strings.HasSuffix(lower, "_"+key) {
			return true
		}
	}
	return false
}
