// Package util holds small environment parsing helpers used by the FlowSend
// entrypoint.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean from the named environment variable, falling
// back to defaultValue when it is unset. Accepted spellings are true/1/yes/on
// and false/0/no/off, case-insensitive; anything else logs a warning and
// keeps the default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}
