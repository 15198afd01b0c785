package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestLineLevel(t *testing.T) {
	cases := map[string]string{
		"ok: [web01]":                  "info",
		"changed: [web01]":             "info",
		"fatal: [web01] => boom":       "error",
		"  fatal: [web01] => boom":     "error",
		"unreachable: [web02] => gone": "error",
		"ERROR! no hosts matched":      "error",
	}
	for line, want := range cases {
		if got := LineLevel(line); got != want {
			t.Fatalf("LineLevel(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestProgressFor(t *testing.T) {
	if got := ProgressFor(3, 0); got != nil {
		t.Fatalf("unknown total must yield nil, got %v", *got)
	}
	if got := ProgressFor(5, 10); got == nil || *got != 50 {
		t.Fatalf("ProgressFor(5,10) = %v, want 50", got)
	}
	if got := ProgressFor(10, 10); got == nil || *got != 99 {
		t.Fatalf("completion estimate must cap at 99, got %v", got)
	}
}

func TestStreamOutput(t *testing.T) {
	type report struct {
		Message  string   `json:"message"`
		Level    string   `json:"level"`
		Progress *float64 `json:"progress"`
	}
	var mu sync.Mutex
	var reports []report
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rep report
		_ = json.NewDecoder(r.Body).Decode(&rep)
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer ts.Close()

	output := strings.Join([]string{
		"PLAY [site] ****",
		"",
		"TASK [ping] ****",
		"ok: [web01]",
		"TASK [deploy] ****",
		"fatal: [web01] => boom",
	}, "\n")

	c := NewClient(ts.URL)
	sent := c.StreamOutput(context.Background(), "job-1", strings.NewReader(output), 2)
	if !sent {
		t.Fatalf("expected at least one delivered report")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 5 {
		t.Fatalf("report count = %d, want 5 (blank line skipped)", len(reports))
	}
	if reports[1].Progress == nil || *reports[1].Progress != 50 {
		t.Fatalf("first task marker should carry progress 50: %+v", reports[1])
	}
	if reports[3].Progress == nil || *reports[3].Progress != 99 {
		t.Fatalf("second task marker should carry capped progress 99: %+v", reports[3])
	}
	if reports[4].Level != "error" {
		t.Fatalf("fatal line level = %q, want error", reports[4].Level)
	}
}
