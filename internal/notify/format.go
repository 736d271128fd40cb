package notify

import (
	"fmt"
	"strings"
	"time"

	"dbflow/internal/model"
)

const maxMessageLen = 1500

// FormatRun renders one run record as a short alert.
func FormatRun(rec model.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s #%d", rec.Status, rec.Job, rec.ID)
	if d := rec.Elapsed(); d > 0 {
		fmt.Fprintf(&b, "\nelapsed: %s", d.Round(time.Millisecond))
	}
	if !rec.End.IsZero() {
		fmt.Fprintf(&b, "\nended: %s", rec.End.Format(time.RFC3339))
	}
	if msg := strings.TrimSpace(rec.Message); msg != "" {
		b.WriteString("\n")
		b.WriteString(msg)
	}
	out := b.String()
	if len(out) > maxMessageLen {
		out = out[:maxMessageLen-3] + "..."
	}
	return out
}
