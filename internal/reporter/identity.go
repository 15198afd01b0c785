package reporter

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileName is the per-project defaults file searched for alongside and
// above the working directory.
const EnvFileName = "dashboard.env"

// JobIDVar is the environment variable carrying a pre-created job id.
const JobIDVar = "DASHBOARD_JOB_ID"

// IdentitySource discovers the job id a run should report under. The
// precedence is deterministic:
//
//  1. an explicit id handed to the reporter,
//  2. the DASHBOARD_JOB_ID environment variable,
//  3. a dashboard.env file in the working directory,
//  4. the nearest dashboard.env found walking up from the working directory.
//
// An empty result means no existing job: the reporter should create one.
type IdentitySource struct {
	// Explicit wins over every other source when non-empty.
	Explicit string
	// WorkDir anchors the file search; defaults to the process cwd.
	WorkDir string
	// Getenv defaults to os.Getenv; injectable for tests.
	Getenv func(string) string
}

// JobID resolves the job id by precedence.
func (s IdentitySource) JobID() string {
	if s.Explicit != "" {
		return s.Explicit
	}

	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(JobIDVar)); v != "" {
		return v
	}

	dir := s.WorkDir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	if dir == "" {
		return ""
	}
	if path := FindUpwards(dir, EnvFileName); path != "" {
		if v := parseEnvFile(path)[JobIDVar]; v != "" {
			return v
		}
	}
	return ""
}

// FindUpwards walks from dir toward the filesystem root looking for name.
// It returns the first hit or "".
func FindUpwards(dir, name string) string {
	dir = filepath.Clean(dir)
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// parseEnvFile reads KEY=VALUE lines, skipping blanks and # comments.
func parseEnvFile(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
