package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Formats an address as a fixed width hex string
func FormatAddr(addr uint64) string {
	return fmt.Sprintf("0x%016s", strconv.FormatUint(addr, 16))
}

// Returns an string containing all formatted sequence items separated by a given separator
func FormatSlice[T any](input []T, separator string) string {
	var builder strings.Builder

	for i, value := range input {
		builder.WriteString(fmt.Sprint(value))

		if i < len(input)-1 {
			builder.WriteString(separator)
		}
	}

	return builder.String()
}

// EndsWith reports whether full ends with the given suffix. Used for
// library-name matching where paths may carry arbitrary prefixes.
func EndsWith(full, suffix string) bool {
	return len(suffix) <= len(full) && full[len(full)-len(suffix):] == suffix
}

// Basename returns the path component after the last slash.
func Basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
