package util

import "strings"

func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// NormalizeEntityName trims whitespace and surrounding quotes and uppercases
// the result, so "alice", " Alice " and "\"ALICE\"" share one node.
func NormalizeEntityName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, "\"'`")
	name = strings.Join(strings.Fields(name), " ")
	return strings.ToUpper(name)
}

// CleanText strips control characters other than newline and tab.
func CleanText(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
}
