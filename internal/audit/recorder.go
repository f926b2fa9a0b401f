// Package audit は認証結果の監査記録を保存・参照・削除する。
package audit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/model"
	"github.com/hitoshi/authcore/internal/repository"
)

// DefaultRetentionDays は監査記録の既定保持日数。
const DefaultRetentionDays = 30

// 失敗記録に付与するデータのキー。
const (
	DataKeyType    = "type"
	DataKeyMessage = "message"
)

// Recorder は監査記録のサービス層。
type Recorder struct {
	repo    repository.AuditRepository
	now     func() time.Time
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	// ulid.Monotonic はスレッドセーフではないため mu で保護する。
	mu      sync.Mutex
	entropy io.Reader
}

// Option はRecorderの設定を変更する。
type Option func(*Recorder)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLogger はロガーを差し替える。
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithMetrics はメトリクス収集先を設定する。nil の場合は記録しない。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRecorder はRecorderの新しいインスタンスを生成する。
func NewRecorder(repo repository.AuditRepository, opts ...Option) *Recorder {
	r := &Recorder{
		repo:    repo,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: metrics.Nop{},
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) newID(at time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), r.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate audit id: %w", err)
	}
	return id.String(), nil
}

// RecordSuccess はログイン成功を記録する。匿名ユーザーは記録しない。
func (r *Recorder) RecordSuccess(ctx context.Context, login string) error {
	return r.record(ctx, login, model.AuditAuthenticationSuccess, nil)
}

// RecordFailure はログイン失敗を原因とともに記録する。匿名ユーザーは記録しない。
func (r *Recorder) RecordFailure(ctx context.Context, login string, cause error) error {
	data := map[string]string{}
	if cause != nil {
		data[DataKeyType] = causeType(cause)
		data[DataKeyMessage] = cause.Error()
	}
	return r.record(ctx, login, model.AuditAuthenticationFailure, data)
}

// causeType は失敗原因の分類名を返す。型付きエラーは種別、それ以外はGoの型名。
func causeType(err error) string {
	var ce *model.CredentialError
	if errors.As(err, &ce) {
		return string(ce.Kind)
	}
	return fmt.Sprintf("%T", err)
}

func (r *Recorder) record(ctx context.Context, login, eventType string, data map[string]string) error {
	if login == model.AnonymousUser {
		return nil
	}
	now := r.now()
	id, err := r.newID(now)
	if err != nil {
		return err
	}
	record := &model.AuditRecord{
		ID:        id,
		Principal: login,
		Type:      eventType,
		Date:      now,
		Data:      r.truncate(ctx, data),
	}
	if err := r.repo.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}
	r.metrics.RecordAuditEvent(eventType)
	return nil
}

// truncate は列幅を超える値を切り詰め、キー・元の長さ・上限をWARNで記録する。
func (r *Recorder) truncate(ctx context.Context, data map[string]string) map[string]string {
	result := make(map[string]string, len(data))
	for k, v := range data {
		n := utf8.RuneCountInString(v)
		if n > model.AuditDataMaxLength {
			r.logger.WarnContext(ctx, "audit data value truncated",
				slog.String("key", k),
				slog.Int("length", n),
				slog.Int("limit", model.AuditDataMaxLength),
			)
			v = string([]rune(v)[:model.AuditDataMaxLength])
		}
		result[k] = v
	}
	return result
}

// Find はIDで監査記録を取得する。存在しない場合は ErrAuditRecordNotFound。
func (r *Recorder) Find(ctx context.Context, id string) (*model.AuditRecord, error) {
	record, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find audit record: %w", err)
	}
	if record == nil {
		return nil, model.ErrAuditRecordNotFound
	}
	return record, nil
}

// FindByPrincipal は指定ログイン名の監査記録を新しい順に返す。
func (r *Recorder) FindByPrincipal(ctx context.Context, principal string) ([]*model.AuditRecord, error) {
	records, err := r.repo.FindByPrincipal(ctx, model.NormalizeLogin(principal))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}

// FindAll は監査記録を新しい順にページングして返す。
func (r *Recorder) FindAll(ctx context.Context, page model.PageRequest) ([]*model.AuditRecord, error) {
	records, err := r.repo.FindAll(ctx, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}

// FindByDates は from 以上 to 未満の監査記録を返す。
func (r *Recorder) FindByDates(ctx context.Context, from, to time.Time, page model.PageRequest) ([]*model.AuditRecord, error) {
	records, err := r.repo.FindByDates(ctx, from, to, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}

// Count は監査記録の総数を返す。
func (r *Recorder) Count(ctx context.Context) (int, error) {
	n, err := r.repo.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}

// CountByDates は from 以上 to 未満の監査記録数を返す。
func (r *Recorder) CountByDates(ctx context.Context, from, to time.Time) (int, error) {
	n, err := r.repo.CountByDates(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}

// ReapOlderThan は retentionDays 日より古い監査記録を1件ずつ削除する。
// 削除に失敗した記録はログに残して次へ進む。削除件数と失敗件数を返す。
func (r *Recorder) ReapOlderThan(ctx context.Context, retentionDays int) (deleted, failed int, err error) {
	cutoff := r.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	ids, err := r.repo.ListIDsBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list expired audit records: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return deleted, failed, ctx.Err()
		}
		if err := r.repo.DeleteByID(ctx, id); err != nil {
			failed++
			r.logger.ErrorContext(ctx, "failed to delete audit record",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}
	return deleted, failed, nil
}
