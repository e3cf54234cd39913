package cli

import (
	"fmt"
	"os"
	"time"
)

// progressStep prints "label... done (12ms)" style lines to stderr so
// stdout stays clean for tables and JSON.
type progressStep struct {
	label   string
	started time.Time
}

func startProgress(label string) *progressStep {
	if !progressEnabled() {
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s... ", label)
	return &progressStep{label: label, started: time.Now()}
}

func (p *progressStep) Done() {
	if p == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", colorize("done", colorGreen), colorize("("+formatDuration(time.Since(p.started))+")", colorGray))
}

func (p *progressStep) Fail(err error) {
	if p == nil {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", colorize("failed", colorRed), err)
		return
	}
	fmt.Fprintln(os.Stderr, colorize("failed", colorRed))
}

func progressEnabled() bool {
	if IsJSONOutput() || IsJSONLOutput() || noProgress {
		return false
	}
	for _, key := range []string{"CADENCE_NO_PROGRESS", "NO_PROGRESS"} {
		if _, ok := os.LookupEnv(key); ok {
			return false
		}
	}
	return true
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(10 * time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
