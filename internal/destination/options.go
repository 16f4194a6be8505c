// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package destination

// StringOption returns the value of key in options when it is a string, or
// fallback when the key is absent or of another type.
func StringOption(options map[string]any, key, fallback string) string {
	if value, ok := options[key].(string); ok {
		return value
	}

	return fallback
}

// BoolOption returns the value of key in options when it is a boolean, or
// fallback when the key is absent or of another type.
func BoolOption(options map[string]any, key string, fallback bool) bool {
	if value, ok := options[key].(bool); ok {
		return value
	}

	return fallback
}
