// Package reaper は期限切れデータの定期削除ジョブを提供する。
// 未有効化のまま放置されたアカウントと、保持期間を超えた監査記録を削除する。
// 対象は1件ずつ削除し、失敗した対象はログに残して次へ進む（再試行はしない）。
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/repository"
)

// ジョブ名。ログ・メトリクス・実行ロックのキーに使う。
const (
	JobAccounts = "unactivated_accounts"
	JobAudit    = "audit_records"
)

// UnactivatedThreshold は未有効化アカウントを削除するまでの経過時間（3日）。
const UnactivatedThreshold = 3 * 24 * time.Hour

// AccountJob は未有効化アカウントの削除ジョブ。
type AccountJob struct {
	accounts repository.AccountRepository
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewAccountJob はAccountJobを生成する。m が nil の場合はメトリクスを記録しない。
func NewAccountJob(accounts repository.AccountRepository, logger *slog.Logger, m metrics.MetricsCollector) *AccountJob {
	if m == nil {
		m = metrics.Nop{}
	}
	return &AccountJob{accounts: accounts, logger: logger, metrics: m, now: time.Now}
}

// Name はジョブ名を返す。
func (j *AccountJob) Name() string { return JobAccounts }

// Run は作成から3日を超えても有効化されていないアカウントを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *AccountJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-UnactivatedThreshold)

	targets, err := j.accounts.ListUnactivatedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("未有効化アカウントの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("未有効化アカウントの取得に失敗: %w", err)
	}

	var deleted, failed int
	for _, a := range targets {
		if err := j.accounts.DeleteByID(ctx, a.ID); err != nil {
			failed++
			j.logger.Error("未有効化アカウントの削除に失敗しました",
				slog.String("login", a.Login),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
		j.logger.Debug("未有効化アカウントを削除しました", slog.String("login", a.Login))
	}

	duration := time.Since(start)
	j.metrics.RecordSweep(JobAccounts, deleted, failed, duration)
	j.logger.Info("未有効化アカウント削除ジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// AuditReaper は保持期間を超えた監査記録を削除する。audit.Recorder が実装する。
type AuditReaper interface {
	ReapOlderThan(ctx context.Context, retentionDays int) (deleted, failed int, err error)
}

// AuditJob は監査記録の削除ジョブ。
type AuditJob struct {
	reaper        AuditReaper
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	RetentionDays int // 監査記録の保持日数（デフォルト: 30）
}

// NewAuditJob はAuditJobを生成する。デフォルトの保持日数は30日。
func NewAuditJob(reaper AuditReaper, logger *slog.Logger, m metrics.MetricsCollector) *AuditJob {
	if m == nil {
		m = metrics.Nop{}
	}
	return &AuditJob{reaper: reaper, logger: logger, metrics: m, RetentionDays: 30}
}

// Name はジョブ名を返す。
func (j *AuditJob) Name() string { return JobAudit }

// Run は保持期間を超えた監査記録を削除する。
func (j *AuditJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, failed, err := j.reaper.ReapOlderThan(ctx, j.RetentionDays)
	duration := time.Since(start)
	j.metrics.RecordSweep(JobAudit, deleted, failed, duration)
	if err != nil {
		j.logger.Error("監査記録削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("監査記録削除の実行に失敗: %w", err)
	}

	j.logger.Info("監査記録削除ジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Int("failed_count", failed),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}
