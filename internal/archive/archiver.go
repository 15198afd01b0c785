// Package archive uploads the full log transcript of a completed job to
// object storage for long-term retention.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ansible-job-dashboard/internal/models"
	"ansible-job-dashboard/internal/telemetry"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type logSource interface {
	ListLogs(ctx context.Context, jobID string, limit, offset int) ([]models.LogEntry, error)
}

// Archiver assembles a completed job's transcript and ships it to the
// configured uploader. All work is best-effort: a failed upload is logged
// and counted, never surfaced to the reporter.
type Archiver struct {
	store  logSource
	up     uploader
	prefix string
	log    zerolog.Logger
}

// New builds an archiver. Returns nil when up is nil so callers can treat
// archiving as disabled with a plain nil check.
func New(store logSource, up uploader, prefix string, log zerolog.Logger) *Archiver {
	if up == nil {
		return nil
	}
	return &Archiver{store: store, up: up, prefix: prefix, log: log}
}

// Archive fetches every log entry for the job and uploads the rendered
// transcript. Meant to run in its own goroutine after completion commits.
func (a *Archiver) Archive(ctx context.Context, job models.Job) {
	logs, err := a.store.ListLogs(ctx, job.ID, 0, 0)
	if err != nil {
		telemetry.ArchiveFailures.Inc()
		a.log.Warn().Err(err).Str("job_id", job.ID).Msg("archive: fetch logs failed")
		return
	}

	key := a.Key(job)
	loc, err := a.up.Upload(ctx, key, []byte(Transcript(job, logs)), "text/plain; charset=utf-8")
	if err != nil {
		telemetry.ArchiveFailures.Inc()
		a.log.Warn().Err(err).Str("job_id", job.ID).Msg("archive: upload failed")
		return
	}
	telemetry.ArchiveUploads.Inc()
	a.log.Info().Str("job_id", job.ID).Str("location", loc).Msg("archived job transcript")
}

// Key returns the object key for a job's transcript.
func (a *Archiver) Key(job models.Job) string {
	return path.Join(a.prefix, job.ID+".log")
}

// Transcript renders a job header followed by its log lines, one per entry.
func Transcript(job models.Job, logs []models.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job: %s\nname: %s\nscope: %s\ntriggered_by: %s\nstatus: %s\n",
		job.ID, job.JobName, job.Scope, job.TriggeredBy, job.Status)
	fmt.Fprintf(&b, "start_time: %s\n", job.StartTime.Format(time.RFC3339))
	if job.EndTime != nil {
		fmt.Fprintf(&b, "end_time: %s\n", job.EndTime.Format(time.RFC3339))
	}
	b.WriteString("\n")
	for _, entry := range logs {
		msg := entry.Message
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		fmt.Fprintf(&b, "%s [%s] %s", entry.TS.Format(time.RFC3339), entry.Level, msg)
	}
	return b.String()
}
