package reaper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/model"
	"github.com/hitoshi/authcore/internal/repository"
	"github.com/hitoshi/authcore/internal/repository/memory"
)

var testNow = time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type sweepRecord struct {
	job             string
	deleted, failed int
}

type sweepMetrics struct {
	metrics.Nop
	sweeps []sweepRecord
}

func (m *sweepMetrics) RecordSweep(job string, deleted, failed int, _ time.Duration) {
	m.sweeps = append(m.sweeps, sweepRecord{job: job, deleted: deleted, failed: failed})
}

// findLogEntry はJSONログから key を含む最初のエントリを返す。
func findLogEntry(buf *bytes.Buffer, key string) map[string]interface{} {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	return nil
}

func seedAccount(t *testing.T, repo repository.AccountRepository, id string, age time.Duration, activated bool, key string) {
	t.Helper()
	a := &model.Account{
		ID:          id,
		Login:       id,
		Email:       id + "@example.com",
		Activated:   activated,
		Authorities: []string{model.AuthorityUser},
		CreatedAt:   testNow.Add(-age),
	}
	if key != "" {
		a.ActivationKey = &key
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func TestAccountJob_DeletesOnlyStaleUnactivated(t *testing.T) {
	store := memory.NewStore()
	repo := store.Accounts()
	day := 24 * time.Hour

	seedAccount(t, repo, "stale", 4*day, false, "k1")
	seedAccount(t, repo, "fresh", 2*day, false, "k2")
	seedAccount(t, repo, "active", 10*day, true, "")
	seedAccount(t, repo, "nokey", 10*day, false, "")

	var buf bytes.Buffer
	m := &sweepMetrics{}
	job := NewAccountJob(repo, newTestLogger(&buf), m)
	job.now = func() time.Time { return testNow }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, tt := range []struct {
		id   string
		gone bool
	}{
		{"stale", true},
		{"fresh", false},
		{"active", false},
		{"nokey", false},
	} {
		got, err := repo.FindByID(context.Background(), tt.id)
		if err != nil {
			t.Fatalf("FindByID(%s) error = %v", tt.id, err)
		}
		if (got == nil) != tt.gone {
			t.Errorf("%s: deleted = %v, want %v", tt.id, got == nil, tt.gone)
		}
	}

	if len(m.sweeps) != 1 || m.sweeps[0] != (sweepRecord{job: JobAccounts, deleted: 1}) {
		t.Errorf("sweeps = %+v", m.sweeps)
	}
	entry := findLogEntry(&buf, "deleted_count")
	if entry == nil || entry["deleted_count"] != float64(1) {
		t.Errorf("ログに deleted_count=1 が記録されていない。ログ出力: %s", buf.String())
	}
}

// failingAccountRepo は指定IDの削除だけ失敗させる。
type failingAccountRepo struct {
	repository.AccountRepository
	failID string
}

func (r *failingAccountRepo) DeleteByID(ctx context.Context, id string) error {
	if id == r.failID {
		return errors.New("connection reset")
	}
	return r.AccountRepository.DeleteByID(ctx, id)
}

func TestAccountJob_ContinuesAfterDeleteFailure(t *testing.T) {
	store := memory.NewStore()
	day := 24 * time.Hour
	seedAccount(t, store.Accounts(), "a", 5*day, false, "k1")
	seedAccount(t, store.Accounts(), "b", 4*day, false, "k2")
	repo := &failingAccountRepo{AccountRepository: store.Accounts(), failID: "a"}

	var buf bytes.Buffer
	m := &sweepMetrics{}
	job := NewAccountJob(repo, newTestLogger(&buf), m)
	job.now = func() time.Time { return testNow }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("削除失敗があっても Run() はエラーを返さない: %v", err)
	}
	if got, _ := store.Accounts().FindByID(context.Background(), "b"); got != nil {
		t.Error("b should be deleted")
	}
	if got, _ := store.Accounts().FindByID(context.Background(), "a"); got == nil {
		t.Error("a should remain after failed delete")
	}
	if m.sweeps[0] != (sweepRecord{job: JobAccounts, deleted: 1, failed: 1}) {
		t.Errorf("sweeps = %+v", m.sweeps)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("削除失敗時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestAccountJob_Idempotent(t *testing.T) {
	store := memory.NewStore()
	var buf bytes.Buffer
	job := NewAccountJob(store.Accounts(), newTestLogger(&buf), nil)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}
}

type mockAuditReaper struct {
	gotDays int
	deleted int
	failed  int
	err     error
}

func (m *mockAuditReaper) ReapOlderThan(_ context.Context, retentionDays int) (int, int, error) {
	m.gotDays = retentionDays
	return m.deleted, m.failed, m.err
}

func TestAuditJob_Run(t *testing.T) {
	var buf bytes.Buffer
	m := &sweepMetrics{}
	reaper := &mockAuditReaper{deleted: 7}
	job := NewAuditJob(reaper, newTestLogger(&buf), m)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reaper.gotDays != 30 {
		t.Errorf("retention days = %d, want 30", reaper.gotDays)
	}
	if m.sweeps[0] != (sweepRecord{job: JobAudit, deleted: 7}) {
		t.Errorf("sweeps = %+v", m.sweeps)
	}
	entry := findLogEntry(&buf, "retention_days")
	if entry == nil || entry["retention_days"] != float64(30) {
		t.Errorf("ログに retention_days=30 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestAuditJob_CustomRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	reaper := &mockAuditReaper{}
	job := NewAuditJob(reaper, newTestLogger(&buf), nil)
	job.RetentionDays = 90

	_ = job.Run(context.Background())

	if reaper.gotDays != 90 {
		t.Errorf("retention days = %d, want 90", reaper.gotDays)
	}
}

func TestAuditJob_ReturnsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewAuditJob(&mockAuditReaper{err: errors.New("db down")}, newTestLogger(&buf), nil)

	err := job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("err = %v, want wrapped db down", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}
