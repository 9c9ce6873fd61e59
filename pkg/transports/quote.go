package transports

import "strings"

// ShellQuote quotes s for use as a single POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
