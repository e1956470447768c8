package util

import (
	"os"
	"strconv"
	"strings"
)

func OrElse(a, b string) string {
	if a == "" {
		return b
	}
	return a
}

// IsTruthy reports whether an environment value reads as enabled: "1",
// "true", "yes" or "on", in any case.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y", "t":
		return true
	}
	return false
}

func EnvString(key, def string) string {
	return OrElse(os.Getenv(key), def)
}

// EnvInt parses key as an integer, falling back to def when unset, invalid
// or not positive.
func EnvInt(key string, def int) int {
	n, err := strconv.Atoi(OrElse(os.Getenv(key), strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func EnvBool(key string) bool {
	return IsTruthy(os.Getenv(key))
}
