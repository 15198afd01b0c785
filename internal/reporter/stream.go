package reporter

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// TaskMarker is the output line prefix that signals a new playbook task,
// used to derive coarse progress when the task total is known.
const TaskMarker = "TASK ["

// LineLevel classifies an output line for log storage.
func LineLevel(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "fatal:") || strings.HasPrefix(trimmed, "unreachable:") || strings.HasPrefix(trimmed, "ERROR!") {
		return "error"
	}
	return "info"
}

// ProgressFor estimates a completion percentage from counted task starts.
// It is capped at 99 (only a completion report may claim 100) and returns
// nil when no total is known.
func ProgressFor(tasksStarted, totalTasks int) *float64 {
	if totalTasks <= 0 {
		return nil
	}
	pct := float64(tasksStarted) / float64(totalTasks) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return &pct
}

// StreamOutput reads run output line by line and posts each line as a log
// message, attaching a progress estimate whenever a task marker advances
// it. Delivery failures are logged and skipped so the scan never aborts the
// run. Returns true if at least one report was delivered.
func (c *Client) StreamOutput(ctx context.Context, jobID string, r io.Reader, totalTasks int) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sentAny := false
	tasksStarted := 0
	lastSent := -1.0

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var progress *float64
		if strings.HasPrefix(line, TaskMarker) {
			tasksStarted++
			if p := ProgressFor(tasksStarted, totalTasks); p != nil && *p > lastSent {
				progress = p
				lastSent = *p
			}
		}

		if err := c.Progress(ctx, jobID, progress, line, LineLevel(line)); err != nil {
			c.log.Debug().Err(err).Msg("dropped streamed line")
			continue
		}
		sentAny = true
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn().Err(err).Msg("output scan ended early")
	}
	return sentAny
}
