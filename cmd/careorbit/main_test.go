package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careorbit/careorbit/internal/config"
	"github.com/careorbit/careorbit/internal/domain/integrity"
	"github.com/careorbit/careorbit/internal/domain/records"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Port:                    "0",
		Env:                     "test",
		AttachmentRoot:          filepath.Join(t.TempDir(), "uploads"),
		AttachmentMaxBytes:      1 << 20,
		AttachmentRetentionDays: 30,
		AttachmentSigningKey:    "test-signing-key",
		AttachmentLinkTTL:       time.Minute,
	}
	a, err := newApp(cfg, zerolog.Nop(), records.NewMemoryStore())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a
}

func TestRootCommand(t *testing.T) {
	root := rootCmd()
	if root.Use != "careorbit" {
		t.Errorf("expected Use 'careorbit', got %q", root.Use)
	}

	paths := [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"rebuild", "summaries"},
		{"rebuild", "history"},
		{"audit"},
		{"sweep"},
	}
	for _, p := range paths {
		cmd, _, err := root.Find(p)
		if err != nil || cmd.Name() != p[len(p)-1] {
			t.Errorf("command %v not found: %v", p, err)
		}
	}
}

func TestCommandFlags(t *testing.T) {
	root := rootCmd()
	tests := []struct {
		path []string
		flag string
	}{
		{[]string{"migrate", "up"}, "dir"},
		{[]string{"migrate", "status"}, "dir"},
		{[]string{"rebuild", "summaries"}, "patient"},
		{[]string{"rebuild", "history"}, "patient"},
		{[]string{"audit"}, "json"},
		{[]string{"sweep"}, "retention-days"},
	}
	for _, tt := range tests {
		cmd, _, err := root.Find(tt.path)
		if err != nil {
			t.Fatalf("find %v: %v", tt.path, err)
		}
		if cmd.Flags().Lookup(tt.flag) == nil {
			t.Errorf("%v: missing --%s", tt.path, tt.flag)
		}
	}
}

func TestPatientFlag(t *testing.T) {
	cmd, _, _ := rootCmd().Find([]string{"rebuild", "history"})

	scope, err := patientFlag(cmd)
	if err != nil || scope != nil {
		t.Fatalf("expected no scope, got %v %v", scope, err)
	}

	cmd.Flags().Set("patient", "not-a-uuid")
	if _, err := patientFlag(cmd); err == nil {
		t.Error("expected error for invalid patient id")
	}

	id := "6f1c2a51-52b6-4d9c-9a43-5b0e6a7e2c11"
	cmd.Flags().Set("patient", id)
	scope, err = patientFlag(cmd)
	if err != nil || scope == nil || scope.String() != id {
		t.Errorf("expected scope %s, got %v %v", id, scope, err)
	}
}

func TestPrintIssues(t *testing.T) {
	var buf bytes.Buffer
	if err := printIssues(&buf, nil, true); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %q", buf.String())
	}

	buf.Reset()
	printIssues(&buf, nil, false)
	if !strings.Contains(buf.String(), "No integrity issues") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	issues := []integrity.Issue{{Kind: integrity.DanglingVisitRef, EntityID: "t1", Detail: "test references missing visit"}}
	printIssues(&buf, issues, false)
	out := buf.String()
	if !strings.Contains(out, "DanglingVisitRef") || !strings.Contains(out, "1 issue(s).") {
		t.Errorf("unexpected table %q", out)
	}
}

func TestServer_Health(t *testing.T) {
	e := newServer(testApp(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Checks["attachments"] != "ok" {
		t.Errorf("unexpected health body %+v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestServer_Routes(t *testing.T) {
	e := newServer(testApp(t))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/integrity/issues", http.StatusOK},
		{http.MethodGet, "/api/v1/tests/not-a-uuid/files/0", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/files/signed?token=bogus", http.StatusForbidden},
		{http.MethodPost, "/api/v1/attachments/sweep", http.StatusOK},
		{http.MethodGet, "/api/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, rec.Code)
		}
	}
}

type countingSweeper struct {
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (s *countingSweeper) SweepOrphans(ctx context.Context, days int) (int, error) {
	if s.calls.Add(1) == 2 {
		s.cancel()
	}
	return 0, nil
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &countingSweeper{cancel: cancel}

	done := make(chan struct{})
	go func() {
		runSweeper(ctx, s, 5*time.Millisecond, 30, zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	if s.calls.Load() < 2 {
		t.Errorf("expected at least 2 sweeps, got %d", s.calls.Load())
	}
}

func TestRunSweeper_Disabled(t *testing.T) {
	s := &countingSweeper{cancel: func() {}}
	runSweeper(context.Background(), s, 0, 30, zerolog.Nop())
	if s.calls.Load() != 0 {
		t.Errorf("expected no sweeps, got %d", s.calls.Load())
	}
}
