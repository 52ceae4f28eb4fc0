package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/speechdeck/pkg/speech"
	"github.com/MrWong99/speechdeck/pkg/speech/mock"
)

func ok(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func readyz(t *testing.T, h *Handler) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New(Checker{Name: "broken", Check: failWith("down")}).Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "synthesis", Check: ok},
				{Name: "recognition", Check: ok},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"synthesis": "ok", "recognition": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "synthesis", Check: failWith("connection refused")},
				{Name: "recognition", Check: ok},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"synthesis": "fail: connection refused", "recognition": "ok"},
		},
		{
			name: "disabled does not fail",
			checkers: []Checker{
				{Name: "synthesis", Check: ok},
				{Name: "recognition", Check: func(context.Context) error {
					return fmt.Errorf("no microphone: %w", ErrDisabled)
				}},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"synthesis": "ok", "recognition": "ok (disabled)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := readyz(t, New(tt.checkers...))
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_Timeout(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}).WithTimeout(10 * time.Millisecond)

	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Checks["slow"] != "fail: "+context.DeadlineExceeded.Error() {
		t.Errorf("slow check = %q", body.Checks["slow"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: ok}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestSynthesisChecker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		synth   *mock.Synthesizer
		wantErr bool
	}{
		{name: "voices listed", synth: &mock.Synthesizer{VoicesResult: []speech.Voice{{ID: "Alex", Name: "Alex"}}}},
		{name: "empty catalogue", synth: &mock.Synthesizer{}, wantErr: true},
		{name: "listing fails", synth: &mock.Synthesizer{VoicesErr: errors.New("401")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Synthesis(tt.synth)
			if c.Name != "synthesis" {
				t.Errorf("name = %q", c.Name)
			}
			if err := c.Check(context.Background()); (err != nil) != tt.wantErr {
				t.Fatalf("Check() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecognitionChecker(t *testing.T) {
	t.Parallel()
	if err := Recognition(&mock.Recognizer{SupportedResult: true}).Check(context.Background()); err != nil {
		t.Errorf("supported: err = %v", err)
	}
	if err := Recognition(&mock.Recognizer{}).Check(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("unsupported: err = %v, want ErrDisabled", err)
	}
	if err := Recognition(nil).Check(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("nil: err = %v, want ErrDisabled", err)
	}
}
