// Package config provides environment fallbacks for camwatch flags.
package config

import (
	"os"
	"strconv"
)

// Environment variable names recognized by camwatch.
const (
	EnvDevice    = "CAMWATCH_DEVICE"
	EnvPort      = "CAMWATCH_PORT"
	EnvOutputDir = "CAMWATCH_OUTPUT_DIR"
	EnvModel     = "CAMWATCH_MODEL"
	EnvLogLevel  = "CAMWATCH_LOG_LEVEL"
)

// String returns the value of the named env var, or def if unset.
func String(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Int returns the integer value of the named env var, or def if
// unset or not a number.
func Int(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
