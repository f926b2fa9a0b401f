package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiterConfig(loginRate float64, loginBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		LoginRate:       rate.Limit(loginRate),
		LoginBurst:      loginBurst,
		AccountRate:     1,
		AccountBurst:    1,
		CleanupInterval: 1 * time.Minute,
	}
}

// newClientRequest は指定クライアントアドレスからのリクエストを生成する。
func newClientRequest(method, path, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- LoginMiddleware のテスト ---

func TestLoginRateLimit_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(2, 5))
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.LoginMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.1:5000"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestLoginRateLimit_Returns429WithRetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	// 1回目は通る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.2:5000"))
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	// 2回目は429になる（ポートが違っても同じクライアント）
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.2:6000"))

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	retryAfter := w2.Result().Header.Get("Retry-After")
	retrySeconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Fatalf("Retry-After header should be a number, got %q", retryAfter)
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}
}

func TestLoginRateLimit_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.3:5000"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.3:5000"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("client A second request: status = %d, want 429", w.Result().StatusCode)
	}

	// 別クライアントは影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.4:5000"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("client B: status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

// --- AccountMiddleware のテスト ---

func TestAccountRateLimit_IndependentFromLoginLimit(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()

	login := rl.LoginMiddleware()(okHandler())
	account := rl.AccountMiddleware()(okHandler())

	// ログイン側のバーストを使い切る
	w := httptest.NewRecorder()
	login.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.5:5000"))
	w = httptest.NewRecorder()
	login.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.5:5000"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("login: status = %d, want 429", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	account.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/register", "10.0.0.5:5000"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("register: status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if rl.AccountLimiterCount() != 1 {
		t.Errorf("account limiter count = %d, want 1", rl.AccountLimiterCount())
	}
}

// --- 429レスポンスフォーマットのテスト ---

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.6:1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.6:1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	for _, field := range []string{"code", "message", "category"} {
		if body[field] == "" {
			t.Errorf("expected %q field in error response", field)
		}
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testLimiterConfig(2, 5)
	cfg.CleanupInterval = 50 * time.Millisecond // テスト用に短く

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodPost, "/api/authenticate", "10.0.0.7:1"))

	if rl.LoginLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはcleanupIntervalの2倍（100ms）。300ms待てば削除される
	time.Sleep(300 * time.Millisecond)

	if count := rl.LoginLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.LoginBurst != 10 {
		t.Errorf("LoginBurst = %d, want 10", cfg.LoginBurst)
	}
	if cfg.AccountBurst != 5 {
		t.Errorf("AccountBurst = %d, want 5", cfg.AccountBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}
