package ui

import (
	"fmt"
	"strings"
)

// FormatError renders msg with an "Error:" prefix followed by optional
// suggestions, one per line.
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", StyleBoldRed.Render("Error:"), msg)

	if len(suggestions) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleHint.Render("  Try:") + "\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "    %s %s\n", StyleHint.Render(SymbolArrow), s)
		}
	}

	return b.String()
}

// FormatWarning renders a single warning line.
func FormatWarning(msg string) string {
	return fmt.Sprintf("  %s %s\n", StyleWarning.Render(SymbolWarning), msg)
}
