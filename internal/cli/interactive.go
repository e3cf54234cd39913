package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// IsNonInteractive reports whether prompts should be skipped and defaults used.
func IsNonInteractive() bool {
	if nonInteractive {
		return true
	}
	if _, ok := os.LookupEnv("CADENCE_NON_INTERACTIVE"); ok {
		return true
	}
	return !hasTTY()
}

// SkipConfirmation reports whether destructive commands must not prompt.
func SkipConfirmation() bool {
	return IsNonInteractive() || IsJSONOutput() || IsJSONLOutput()
}

// confirm asks a yes/no question on stderr and defaults to no.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
