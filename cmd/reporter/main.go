// Command reporter wraps an automation run (typically ansible-playbook) and
// streams its output to the dashboard as progress reports. Reporting is
// strictly best-effort: the wrapped command's exit code is always preserved
// and dashboard failures never abort the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"ansible-job-dashboard/internal/reporter"
)

func main() {
	url := flag.String("url", envDefault("DASHBOARD_URL", "http://localhost:8000"), "dashboard base URL")
	name := flag.String("name", envDefault("DASHBOARD_JOB_NAME", ""), "job name (defaults to the wrapped command)")
	scope := flag.String("scope", envDefault("DASHBOARD_SCOPE", ""), "job scope (defaults to ANSIBLE_LIMIT or servers:unknown)")
	triggeredBy := flag.String("triggered-by", envDefault("DASHBOARD_TRIGGERED_BY", ""), "who triggered the run (defaults to $USER)")
	jobID := flag.String("job-id", "", "report under an existing job id instead of creating one")
	logFile := flag.String("log-file", envDefault("DASHBOARD_LOG_FILE", "./ansible.last.log"), "fallback log file uploaded when streaming produced nothing")
	chunkSize := flag.Int("chunk-size", reporter.DefaultChunkSize, "chunk size for the fallback log upload")
	totalTasks := flag.Int("total-tasks", 0, "expected task count for progress estimation (0 disables)")
	verbose := flag.Bool("v", false, "verbose reporter logging")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: reporter [flags] -- command [args...]")
		os.Exit(2)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := reporter.NewClient(*url, reporter.WithChunkSize(*chunkSize), reporter.WithLogger(log))

	id := reporter.IdentitySource{Explicit: *jobID}.JobID()
	if id == "" {
		created, err := client.Start(ctx, jobName(*name, flag.Args()), jobScope(*scope), triggeredByUser(*triggeredBy))
		if err != nil {
			log.Warn().Err(err).Msg("could not register job with dashboard; running unreported")
		} else {
			id = created
			log.Debug().Str("job_id", id).Msg("dashboard job started")
		}
	}

	code, sentAny := runCommand(ctx, client, id, flag.Args(), *totalTasks, log)

	if id != "" {
		if !sentAny {
			if text := readLogFallback(*logFile); text != "" {
				if err := client.UploadLog(ctx, id, text); err != nil {
					log.Warn().Err(err).Msg("fallback log upload failed")
				}
			}
		}
		full := 100.0
		_ = client.Progress(ctx, id, &full, "", "")
		status, message := "success", "Playbook completed successfully."
		if code != 0 {
			status, message = "failed", "Playbook completed with failures."
		}
		if err := client.Complete(ctx, id, status, message); err != nil {
			log.Warn().Err(err).Msg("completion report failed")
		}
	}

	os.Exit(code)
}

// runCommand executes the wrapped command, mirroring its output to the
// local terminal while streaming a copy to the dashboard.
func runCommand(ctx context.Context, client *reporter.Client, jobID string, args []string, totalTasks int, log zerolog.Logger) (int, bool) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	pr, pw := io.Pipe()
	cmd.Stdout = io.MultiWriter(os.Stdout, pw)
	cmd.Stderr = io.MultiWriter(os.Stderr, pw)
	cmd.Stdin = os.Stdin

	sent := make(chan bool, 1)
	go func() {
		if jobID == "" {
			_, _ = io.Copy(io.Discard, pr)
			sent <- false
			return
		}
		sent <- client.StreamOutput(ctx, jobID, pr, totalTasks)
	}()

	err := cmd.Run()
	_ = pw.Close()
	sentAny := <-sent

	if err == nil {
		return 0, sentAny
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), sentAny
	}
	log.Error().Err(err).Msg("command failed to start")
	return 1, sentAny
}

// readLogFallback loads the configured log file, searching upward from the
// working directory when the direct path does not exist.
func readLogFallback(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		return string(data)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	if found := reporter.FindUpwards(cwd, filepath.Base(path)); found != "" {
		if data, err := os.ReadFile(found); err == nil {
			return string(data)
		}
	}
	return ""
}

func jobName(override string, args []string) string {
	if override != "" {
		return override
	}
	base := filepath.Base(args[0])
	if base == "ansible-playbook" && len(args) > 1 {
		for _, a := range args[1:] {
			if len(a) > 0 && a[0] != '-' {
				name := filepath.Base(a)
				if ext := filepath.Ext(name); ext != "" {
					name = name[:len(name)-len(ext)]
				}
				return name
			}
		}
	}
	return base
}

func jobScope(override string) string {
	if override != "" {
		return override
	}
	if limit := os.Getenv("ANSIBLE_LIMIT"); limit != "" {
		return limit
	}
	return "servers:unknown"
}

func triggeredByUser(override string) string {
	if override != "" {
		return override
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "ansible"
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
