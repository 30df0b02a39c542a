package main

import (
	"strings"
)

// formatSection renders a help section with its content indented under the header.
//
// Without a header, the content is returned indented and without a trailing newline so it
// can be embedded in another section.
func formatSection(header string, content string) string {
	var out strings.Builder

	// Section title.
	if header != "" {
		_, _ = out.WriteString(header + ":\n")
	}

	// Indent every non-empty line, keep blank lines as paragraph breaks.
	for line := range strings.SplitSeq(content, "\n") {
		if line != "" {
			_, _ = out.WriteString("  ")
		}

		_, _ = out.WriteString(line + "\n")
	}

	if header == "" {
		return strings.TrimSuffix(out.String(), "\n")
	}

	// Blank line before the next section.
	_, _ = out.WriteString("\n")

	return out.String()
}
