package telegram

import (
	"fmt"
	"html"
	"strings"

	"txrelay/internal/eventbus"
	"txrelay/internal/txn"
)

const maxMessageLen = 4096

// Format renders e as a single HTML message line. Unknown events render as "".
func Format(e eventbus.Event) string {
	var b strings.Builder
	switch ev := e.(type) {
	case eventbus.TxEvent:
		b.WriteString(statusMark(ev.Status == txn.StatusError))
		b.WriteString(" <b>")
		b.WriteString(html.EscapeString(titleOr(ev.Label, "Transaction")))
		b.WriteString("</b> ")
		b.WriteString(string(ev.Status))
		b.WriteString(" <code>")
		b.WriteString(shortID(ev.ID))
		b.WriteString("</code>")
		if ev.Error != "" {
			b.WriteString(": ")
			b.WriteString(html.EscapeString(ev.Error))
		}
	case eventbus.SequenceEvent:
		b.WriteString(statusMark(ev.Failed))
		b.WriteString(" <b>")
		b.WriteString(html.EscapeString(titleOr(ev.Label, "Sequence")))
		b.WriteString("</b> ")
		fmt.Fprintf(&b, "%d/%d steps", ev.ProcessedSteps, ev.TotalSteps)
		if ev.Failed {
			for _, st := range ev.Steps {
				if st.Status == txn.StatusError {
					fmt.Fprintf(&b, ", step %d failed <code>%s</code>", st.Index+1, shortID(st.ID))
					break
				}
			}
		}
	default:
		return ""
	}
	s := b.String()
	if r := []rune(s); len(r) > maxMessageLen {
		s = string(r[:maxMessageLen])
	}
	return s
}

func statusMark(failed bool) string {
	if failed {
		return "❌"
	}
	return "✅"
}

func titleOr(label, def string) string {
	if l := strings.TrimSpace(label); l != "" {
		return l
	}
	return def
}

// shortID keeps signatures readable in chat: first and last 6 characters.
func shortID(id string) string {
	if len(id) <= 16 {
		return html.EscapeString(id)
	}
	return html.EscapeString(id[:6] + "…" + id[len(id)-6:])
}
