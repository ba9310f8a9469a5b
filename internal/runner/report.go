package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FormatText writes the run summary in human-readable format.
func FormatText(w io.Writer, s Summary) {
	if s.Total == 0 {
		fmt.Fprintln(w, "No sessions executed")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Feedtrace - Run Results")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:       %v\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "Sessions:       %d (completed: %d, failed: %d, skipped: %d)\n",
		s.Total, s.Completed, s.Failed, s.Skipped)
	fmt.Fprintf(w, "Items:          %d\n", s.Items)
	fmt.Fprintf(w, "Actions:        %d (applied: %d, failed: %d, orphaned: %d)\n",
		s.Actions, s.Applied, s.ActionFails, s.Orphaned)
	fmt.Fprintf(w, "Watch Time:     %v\n", s.WatchTime.Round(time.Second))
	fmt.Fprintf(w, "Capture Gaps:   %d\n", s.CaptureGaps)
	fmt.Fprintf(w, "Ambiguous:      %d\n", s.Ambiguous)
	if s.Stalled > 0 {
		fmt.Fprintf(w, "Stalled:        %d\n", s.Stalled)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "By Session:")
	for _, ss := range s.Sessions {
		status := string(ss.Status)
		if ss.Cause != "" {
			status = fmt.Sprintf("%s: %s", ss.Status, ss.Cause)
		}
		fmt.Fprintf(w, "  %-12s %-10s items=%d actions=%d watch=%v  %s\n",
			ss.Scenario, ss.User, ss.Stats.Items, ss.Stats.Actions,
			ss.Stats.WatchTime.Round(time.Second), status)
	}
}

// FormatJSON writes the run summary in JSON format.
func FormatJSON(w io.Writer, s Summary) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(s) // stdout errors are unrecoverable
}
