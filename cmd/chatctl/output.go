package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/agonn78/p2p-chat/internal/api"
)

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, s *api.GetStatusResponse) {
	fmt.Fprintf(w, "Profile:    %s\n", s.Profile)
	fmt.Fprintf(w, "Connection: %s (since %s)\n", s.Connection, stamp(s.ConnectionSinceUnixMs))
	fmt.Fprintf(w, "Uptime:     %s\n", (time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "Messages:   %d\n", s.MessageCount)
	fmt.Fprintf(w, "Outbox:     %d\n", s.OutboxCount)
}

func printMessage(w io.Writer, m api.Message) {
	sender := m.SenderUsername
	if sender == "" {
		sender = m.SenderID
	}
	fmt.Fprintf(w, "%s  %-9s %-12s %s  [%s]\n", stamp(m.CreatedAtUnixMs), m.Status, sender, m.Content, m.LocalID)
}

func printHistory(w io.Writer, resp *api.ListMessagesResponse) {
	if resp.RemoteError != "" {
		fmt.Fprintf(w, "(offline, showing cached messages: %s)\n", resp.RemoteError)
	}
	if len(resp.Messages) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range resp.Messages {
		printMessage(w, m)
	}
	if resp.NextBefore != "" {
		fmt.Fprintf(w, "-- older: --before %s\n", resp.NextBefore)
	}
}

func printOutbox(w io.Writer, entries []api.OutboxEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Outbox is empty.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%-36s %s:%s attempts=%d %q", e.ClientID, e.Kind, e.TargetID, e.Attempts, e.Content)
		if e.LastError != "" {
			fmt.Fprintf(w, " last_error=%q", e.LastError)
		}
		fmt.Fprintln(w)
	}
}

func stamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
