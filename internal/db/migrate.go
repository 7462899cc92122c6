package db

import "strings"

// SplitStatements splits a migration script on ";" and drops blank
// statements and "--" comment lines. Scripts must not use ";" inside
// literals or bodies.
func SplitStatements(script string) []string {
	var out []string
	for _, raw := range strings.Split(script, ";") {
		var b strings.Builder
		for _, line := range strings.Split(raw, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if stmt := strings.TrimSpace(b.String()); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
