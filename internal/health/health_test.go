package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func passing(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, reason string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(reason) }}
}

func serve(t *testing.T, h *Handler, path string) (int, result, http.Header) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: decode body: %v", path, err)
	}
	return rec.Code, body, rec.Header()
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		path       string
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "healthcheck ignores checkers",
			checkers:   []Checker{failing("tts", "down")},
			path:       "/healthcheck",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "healthz ignores checkers",
			checkers:   []Checker{failing("tts", "down")},
			path:       "/healthz",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "ready without checkers",
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "ready",
			checkers:   []Checker{passing("tts"), passing("history")},
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"tts": "ok", "history": "ok"},
		},
		{
			name:       "one dependency down",
			checkers:   []Checker{passing("tts"), failing("history", "connection refused")},
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"tts": "ok", "history": "fail: connection refused"},
		},
		{
			name:       "session limit reached",
			checkers:   []Checker{passing("tts"), Capacity("sessions", func() int { return 4 }, 4)},
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"tts": "ok", "sessions": "fail: 4 of 4 in use"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, body, header := serve(t, New(tt.checkers...), tt.path)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if ct := header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q, want JSON", ct)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		count, limit int
		wantErr      bool
	}{
		{0, 4, false},
		{3, 4, false},
		{4, 4, true},
		{9, 4, true},
		{100, 0, false},
	}
	for _, tt := range tests {
		err := Capacity("sessions", func() int { return tt.count }, tt.limit).Check(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("Capacity(count=%d, limit=%d) = %v, wantErr %v", tt.count, tt.limit, err, tt.wantErr)
		}
	}
}

func TestReadyz_ChecksRunConcurrentlyWithDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var deadlines [2]bool
	slow := func(i int) Checker {
		return Checker{Name: []string{"tts", "llm"}[i], Check: func(ctx context.Context) error {
			_, deadlines[i] = ctx.Deadline()
			select {
			case <-release:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("checks ran sequentially")
			}
		}}
	}
	// The second checker releases the first; sequential execution would time out.
	first, second := slow(0), slow(1)
	inner := second.Check
	second.Check = func(ctx context.Context) error {
		close(release)
		return inner(ctx)
	}

	code, body, _ := serve(t, New(first, second), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("code = %d, checks = %v", code, body.Checks)
	}
	if !deadlines[0] || !deadlines[1] {
		t.Error("checkers ran without a deadline")
	}
}
