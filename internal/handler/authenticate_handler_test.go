package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/model"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// --- モック定義 ---

type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, username, password string) (*model.Account, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, username, password string) (*model.Account, error) {
	return m.authenticateFn(ctx, username, password)
}

type mockIssuer struct {
	rememberMe bool
	err        error
}

func (m *mockIssuer) Issue(subject string, authorities []string, rememberMe bool) (string, error) {
	m.rememberMe = rememberMe
	if m.err != nil {
		return "", m.err
	}
	return "token-for-" + subject, nil
}

type mockAuditTrail struct {
	successes []string
	failures  []string
	err       error
}

func (m *mockAuditTrail) RecordSuccess(_ context.Context, login string) error {
	m.successes = append(m.successes, login)
	return m.err
}

func (m *mockAuditTrail) RecordFailure(_ context.Context, login string, _ error) error {
	m.failures = append(m.failures, login)
	return m.err
}

type loginCounter struct {
	metrics.Nop
	results []string
}

func (c *loginCounter) RecordLogin(result string) { c.results = append(c.results, result) }

func loginRequestBody(username, password string, rememberMe bool) io.Reader {
	b, _ := json.Marshal(loginRequest{Username: username, Password: password, RememberMe: rememberMe})
	return bytes.NewReader(b)
}

// captureDefaultLogger はテスト中のデフォルトロガー出力をバッファに向ける。
func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// --- テスト ---

func TestAuthenticateHandler_RememberMe(t *testing.T) {
	issuer := &mockIssuer{}
	trail := &mockAuditTrail{}
	counter := &loginCounter{}
	h := NewAuthenticateHandler(&mockAuthenticator{
		authenticateFn: func(ctx context.Context, username, password string) (*model.Account, error) {
			return &model.Account{Login: "user", Authorities: []string{model.AuthorityUser}}, nil
		},
	}, issuer, trail, counter)

	w := httptest.NewRecorder()
	h.Authorize(w, httptest.NewRequest(http.MethodPost, "/api/authenticate", loginRequestBody("user", "pw", true)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !issuer.rememberMe {
		t.Error("rememberMe should be passed to the issuer")
	}
	if len(trail.successes) != 1 || trail.successes[0] != "user" {
		t.Errorf("successes = %v", trail.successes)
	}
	if len(counter.results) != 1 || counter.results[0] != metrics.LoginSuccess {
		t.Errorf("login metrics = %v", counter.results)
	}
}

// TestAuthenticateHandler_StoreError はストア障害が認証失敗として監査されないことを検証する。
func TestAuthenticateHandler_StoreError(t *testing.T) {
	buf := captureDefaultLogger(t)
	trail := &mockAuditTrail{}
	counter := &loginCounter{}
	h := NewAuthenticateHandler(&mockAuthenticator{
		authenticateFn: func(ctx context.Context, username, password string) (*model.Account, error) {
			return nil, errors.New("connection reset")
		},
	}, &mockIssuer{}, trail, counter)

	w := httptest.NewRecorder()
	h.Authorize(w, httptest.NewRequest(http.MethodPost, "/api/authenticate", loginRequestBody("user", "pw", false)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if len(trail.failures) != 0 {
		t.Errorf("failures = %v, want none", trail.failures)
	}
	if len(counter.results) != 0 {
		t.Errorf("login metrics = %v, want none", counter.results)
	}
	if !strings.Contains(buf.String(), "connection reset") {
		t.Errorf("error should be logged: %s", buf.String())
	}
}

func TestAuthenticateHandler_FailureNormalizesLogin(t *testing.T) {
	trail := &mockAuditTrail{}
	h := NewAuthenticateHandler(&mockAuthenticator{
		authenticateFn: func(ctx context.Context, username, password string) (*model.Account, error) {
			return nil, model.ErrBadCredentials
		},
	}, &mockIssuer{}, trail, nil)

	w := httptest.NewRecorder()
	h.Authorize(w, httptest.NewRequest(http.MethodPost, "/api/authenticate", loginRequestBody("  Mallory ", "pw", false)))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if len(trail.failures) != 1 || trail.failures[0] != "mallory" {
		t.Errorf("failures = %v, want [mallory]", trail.failures)
	}
}

// TestAuthenticateHandler_AuditErrorDoesNotBlockLogin は監査記録の失敗がログインを妨げないことを検証する。
func TestAuthenticateHandler_AuditErrorDoesNotBlockLogin(t *testing.T) {
	buf := captureDefaultLogger(t)
	h := NewAuthenticateHandler(&mockAuthenticator{
		authenticateFn: func(ctx context.Context, username, password string) (*model.Account, error) {
			return &model.Account{Login: "user"}, nil
		},
	}, &mockIssuer{}, &mockAuditTrail{err: errors.New("audit store down")}, nil)

	w := httptest.NewRecorder()
	h.Authorize(w, httptest.NewRequest(http.MethodPost, "/api/authenticate", loginRequestBody("user", "pw", false)))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(buf.String(), "failed to record authentication success") {
		t.Errorf("audit error should be logged: %s", buf.String())
	}
}

func TestAuthenticateHandler_IssueError(t *testing.T) {
	captureDefaultLogger(t)
	trail := &mockAuditTrail{}
	h := NewAuthenticateHandler(&mockAuthenticator{
		authenticateFn: func(ctx context.Context, username, password string) (*model.Account, error) {
			return &model.Account{Login: "user"}, nil
		},
	}, &mockIssuer{err: errors.New("sign failed")}, trail, nil)

	w := httptest.NewRecorder()
	h.Authorize(w, httptest.NewRequest(http.MethodPost, "/api/authenticate", loginRequestBody("user", "pw", false)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if len(trail.successes) != 0 {
		t.Error("success must not be audited when no token was issued")
	}
}
