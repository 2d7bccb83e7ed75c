package service

import (
	"sort"
	"strings"
)

// FormatCodeEcho renders the single user-visible record of one executed code
// block. It is the only place sandbox output reaches the driver — always
// behind the boundary's BEGIN/END markers, never raw.
func FormatCodeEcho(code, output string, vars map[string]string, boundary Boundary) string {
	var b strings.Builder
	b.WriteString("Code executed:\n```python\n")
	b.WriteString(code)
	b.WriteString("\n```\n\nREPL output:\n")
	b.WriteString(boundary.WrapUntrusted(output))

	if len(vars) > 0 {
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nREPL variables: ")
		b.WriteString(strings.Join(names, ", "))
	}

	return b.String()
}
