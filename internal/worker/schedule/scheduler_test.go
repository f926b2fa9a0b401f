package schedule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// --- モック定義 ---

type mockJob struct {
	name  string
	err   error
	calls atomic.Int32
	ran   chan struct{}
	once  sync.Once
}

func newMockJob(name string, err error) *mockJob {
	return &mockJob{name: name, err: err, ran: make(chan struct{})}
}

func (j *mockJob) Name() string { return j.name }

func (j *mockJob) Run(context.Context) error {
	j.calls.Add(1)
	j.once.Do(func() { close(j.ran) })
	return j.err
}

type denyLocker struct{}

func (denyLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

type errLocker struct{}

func (errLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis unavailable")
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// --- テスト ---

// TestParseSpec は秒付きcron式と "?" が解釈されることを検証する。
func TestParseSpec(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{spec: "0 0 1 * * ?", want: time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)},
		{spec: "0 0 12 * * ?", want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{spec: "0 0 0 * * ?", want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSpec(tt.spec)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error = %v", tt.spec, err)
			}
			if got := s.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduler_AddRejectsInvalidSpec(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(nil, newTestLogger(&buf), 0)

	if err := s.Add("0 0 1 * *", newMockJob("j", nil)); err == nil {
		t.Error("5フィールドのcron式はエラーになるべき")
	}
	if err := s.Add("not a spec", newMockJob("j", nil)); err == nil {
		t.Error("不正なcron式はエラーになるべき")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(LocalLocker{}, newTestLogger(&buf), time.Minute)
	job := newMockJob("sweep", nil)

	if err := s.RunNow(context.Background(), job); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if job.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", job.calls.Load())
	}
	if !strings.Contains(buf.String(), "duration_ms") {
		t.Errorf("完了ログに duration_ms が含まれていない: %s", buf.String())
	}
}

func TestScheduler_RunNow_SkipsWhenLocked(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(denyLocker{}, newTestLogger(&buf), time.Minute)
	job := newMockJob("sweep", nil)

	if err := s.RunNow(context.Background(), job); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if job.calls.Load() != 0 {
		t.Error("ロックを取得できない場合はジョブを実行しない")
	}
}

func TestScheduler_RunNow_Errors(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(errLocker{}, newTestLogger(&buf), time.Minute)
	job := newMockJob("sweep", nil)
	if err := s.RunNow(context.Background(), job); err == nil {
		t.Error("ロック取得エラーは返されるべき")
	}
	if job.calls.Load() != 0 {
		t.Error("ロック取得エラー時はジョブを実行しない")
	}

	buf.Reset()
	s = NewScheduler(nil, newTestLogger(&buf), time.Minute)
	failing := newMockJob("sweep", errors.New("db down"))
	if err := s.RunNow(context.Background(), failing); err == nil {
		t.Error("ジョブのエラーは返されるべき")
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("ERRORレベルのログが記録されていない: %s", buf.String())
	}
}

// TestScheduler_Start は登録したジョブが発火し、キャンセルで停止することを検証する。
func TestScheduler_Start(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(nil, newTestLogger(&buf), time.Minute)
	job := newMockJob("every-second", nil)
	if err := s.Add("* * * * * ?", job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-job.ran:
	case <-time.After(3 * time.Second):
		t.Fatal("ジョブが起動されなかった")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("スケジューラが停止しなかった")
	}
}

// TestRedisLocker は同じキーのロックが1つのプロセスにだけ与えられることを検証する。
func TestRedisLocker(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)

	ok, err := a.Acquire(ctx, "authcore:sweep:test:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v; want true, nil", ok, err)
	}
	ok, err = b.Acquire(ctx, "authcore:sweep:test:1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second Acquire = %v, %v; want false, nil", ok, err)
	}

	if ttl := mr.TTL("authcore:sweep:test:1"); ttl != time.Minute {
		t.Errorf("ttl = %v, want %v", ttl, time.Minute)
	}

	mr.FastForward(time.Minute + time.Second)
	ok, err = b.Acquire(ctx, "authcore:sweep:test:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire after expiry = %v, %v; want true, nil", ok, err)
	}
}

func TestRedisLocker_ConnectionError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	if _, err := NewRedisLocker(client).Acquire(context.Background(), "k", time.Minute); err == nil {
		t.Error("接続エラーは返されるべき")
	}
}

// TestScheduler_RunNow_SingleInstance は2インスタンスが同じ発火時刻に1回だけ実行することを検証する。
func TestScheduler_RunNow_SingleInstance(t *testing.T) {
	_, client := newTestRedis(t)
	var buf bytes.Buffer
	fixed := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

	job := newMockJob("unactivated_accounts", nil)
	for i := 0; i < 2; i++ {
		s := NewScheduler(NewRedisLocker(client), newTestLogger(&buf), time.Minute)
		s.now = func() time.Time { return fixed }
		if err := s.RunNow(context.Background(), job); err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}
	}
	if job.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", job.calls.Load())
	}
}
