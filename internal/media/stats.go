package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type trackStats struct {
	name    string
	mime    string
	packets uint64
	bytes   uint64
}

type pairStats struct {
	rtt       time.Duration
	bytesSent uint64
}

// formatStats renders the report sent back to the chat.
func formatStats(state string, tracks []trackStats, pair *pairStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "connection: %s", state)
	for _, t := range tracks {
		fmt.Fprintf(&b, "\n%s (%s): %s packets, %s",
			t.name, t.mime, humanize.Comma(int64(t.packets)), humanize.Bytes(t.bytes))
	}
	if pair != nil {
		fmt.Fprintf(&b, "\nselected pair: rtt %s, %s sent",
			pair.rtt.Round(time.Millisecond), humanize.Bytes(pair.bytesSent))
	}
	return b.String()
}
