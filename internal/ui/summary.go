package ui

import (
	"fmt"
	"io"
)

// Tone picks the icon and colour of a summary line.
type Tone int

const (
	ToneInfo Tone = iota
	TonePass
	ToneWarn
	ToneFail
)

// Counter is one line of a run summary.
type Counter struct {
	Label string
	N     int
	Tone  Tone
}

// WriteSummary prints a styled header followed by one line per counter.
// Warning and failure lines with a zero count are shown muted.
func WriteSummary(w io.Writer, title string, counters []Counter) {
	_, _ = fmt.Fprintln(w, RenderCategory(title))
	for _, c := range counters {
		icon := RenderInfoIcon()
		count := fmt.Sprintf("%d", c.N)
		switch {
		case c.N == 0 && c.Tone != TonePass:
			icon = RenderSkipIcon()
			count = RenderMuted(count)
		case c.Tone == TonePass:
			icon = RenderPassIcon()
			count = RenderPass(count)
		case c.Tone == ToneWarn:
			icon = RenderWarnIcon()
			count = RenderWarn(count)
		case c.Tone == ToneFail:
			icon = RenderFailIcon()
			count = RenderFail(count)
		}
		_, _ = fmt.Fprintf(w, "  %s %-12s %s\n", icon, c.Label, count)
	}
}
