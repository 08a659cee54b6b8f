// Package envconfig expands ${VAR}, ${VAR:-default}, and $VAR references in
// configuration strings, backed by a .env file loaded via joho/godotenv.
//
// Ported from hector's config/env.go.
package envconfig

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var patterns = struct {
	withDefault *regexp.Regexp // ${VAR:-default}
	braced      *regexp.Regexp // ${VAR}
	simple      *regexp.Regexp // $VAR
}{
	withDefault: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`),
}

// LoadDotenv loads a .env file at path into the process environment.
// A missing file is not an error; env vars already set in the environment
// are never overwritten.
func LoadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Expand replaces ${VAR:-default}, ${VAR}, and $VAR references in s with
// values from the process environment. Patterns are resolved most-specific
// first so "${VAR:-default}" is never mistaken for a bare "${VAR}".
func Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = patterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := patterns.withDefault.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		if val, ok := os.LookupEnv(parts[1]); ok && val != "" {
			return val
		}
		return parts[2]
	})

	s = patterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := patterns.braced.FindStringSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		return os.Getenv(parts[1])
	})

	s = patterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := patterns.simple.FindStringSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		return os.Getenv(parts[1])
	})

	return s
}

// ParseValue coerces a string to bool, int64, float64, or leaves it as a
// string when no narrower type fits.
func ParseValue(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
