package config

import (
	"os"
	"strconv"
	"time"
)

const (
	envPrefix = "LINK_ASSISTANT_AGENT_"
	// legacyPrefix keeps configurations written for the predecessor CLI
	// working.
	legacyPrefix = "OPENCODE_"
)

// Env looks up a core environment variable by intent name, checking the
// native prefix first, then the legacy alias, then the bare name.
func Env(name string) string {
	for _, key := range []string{envPrefix + name, legacyPrefix + name, name} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// EnvBool interprets an intent variable as a boolean. Empty and
// unparseable values are false.
func EnvBool(name string) bool {
	v, err := strconv.ParseBool(Env(name))
	return err == nil && v
}

// EnvDuration interprets an intent variable as a Go duration or a plain
// number of seconds.
func EnvDuration(name string) (time.Duration, bool) {
	v := Env(name)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}
