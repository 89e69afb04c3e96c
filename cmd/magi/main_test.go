package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/magi/internal/domain"
	"github.com/ashureev/magi/internal/event"
)

func gatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decision":"APPROVE","reason":"fine","summary":"all agree","action":"proceed"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAnalyzeCommand_ThroughGateway(t *testing.T) {
	srv := gatewayServer(t)

	out, err := execute(t, "analyze", "--topic", "Ship the release?", "--gateway", srv.URL, "--no-history")
	if err != nil {
		t.Fatalf("analyze: %v\n%s", err, out)
	}

	for _, want := range []string{
		"Topic: Ship the release?",
		"=== Analysis ===",
		"[1 MELCHIOR-1 (Scientist)] APPROVE: fine",
		"Decision: APPROVED (approve 3, deny 0)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDeliberateAutoThenHistory(t *testing.T) {
	srv := gatewayServer(t)
	db := filepath.Join(t.TempDir(), "magi.db")

	out, err := execute(t, "deliberate", "--topic", "Adopt the new protocol?", "--auto", "--gateway", srv.URL, "--db", db)
	if err != nil {
		t.Fatalf("deliberate: %v\n%s", err, out)
	}
	for _, want := range []string{"=== Phase 2: Cross-review ===", "Summary: all agree", "Saved as "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Press Enter") {
		t.Errorf("--auto must not prompt:\n%s", out)
	}

	out, err = execute(t, "history", "--db", db)
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	if !strings.Contains(out, "APPROVED") || !strings.Contains(out, "Adopt the new protocol?") {
		t.Errorf("unexpected history output:\n%s", out)
	}
}

func TestCommands_RejectBadInput(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := execute(t, "analyze", "--topic", "x", "--no-history"); err == nil {
		t.Error("expected an error without an API key or gateway")
	}
	if _, err := execute(t, "analyze", "--topic", "x", "--gateway", "http://127.0.0.1:1", "--reasoning-effort", "max"); err == nil {
		t.Error("expected an error for an invalid reasoning effort")
	}
	if _, err := execute(t, "analyze", "--topic", "x", "--gateway", "http://127.0.0.1:1", "--persona", "nobody"); err == nil {
		t.Error("expected an error for an unknown persona")
	}
	if _, err := execute(t, "deliberate"); err == nil {
		t.Error("expected an error when --topic is missing")
	}
}

func TestPrinter_AwaitingPromptOnlyWhenManual(t *testing.T) {
	var buf bytes.Buffer
	newPrinter(&buf, false).handle(event.NewAwaitingProceedEvent("s", "JUDGMENT"))
	if buf.Len() != 0 {
		t.Errorf("auto printer should stay quiet, got %q", buf.String())
	}

	newPrinter(&buf, true).handle(event.NewAwaitingProceedEvent("s", "JUDGMENT"))
	if !strings.Contains(buf.String(), "Press Enter to continue to JUDGMENT") {
		t.Errorf("unexpected prompt %q", buf.String())
	}
}

func TestPrinter_FailedConsensus(t *testing.T) {
	var buf bytes.Buffer
	newPrinter(&buf, false).handle(event.NewConsensusEvent("s", "", "", "", errTest))
	if !strings.Contains(buf.String(), "Consensus unavailable") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil)
	if !strings.Contains(buf.String(), "No deliberations recorded.") {
		t.Errorf("unexpected empty output %q", buf.String())
	}

	buf.Reset()
	printHistory(&buf, []domain.HistoryEntry{{
		ID:        "e1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Topic:     "Should we\nrewrite   everything?",
		Result:    "DENIED",
	}})
	if !strings.Contains(buf.String(), "DENIED") || !strings.Contains(buf.String(), "Should we rewrite everything?") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestOneLine_Truncates(t *testing.T) {
	got := oneLine(strings.Repeat("a", 100), 10)
	if len([]rune(got)) != 10 || !strings.HasSuffix(got, "…") {
		t.Errorf("unexpected truncation %q", got)
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("upstream down")
