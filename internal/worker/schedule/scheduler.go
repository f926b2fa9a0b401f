// Package schedule は定期ジョブをcron式で起動するスケジューラを提供する。
// cron式は秒フィールド付きの6フィールド形式（例: "0 0 1 * * ?"）。
// 複数インスタンス構成では Locker により発火時刻ごとに1インスタンスだけが実行する。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultLockTTL はジョブ実行ロックの既定保持時間。
const DefaultLockTTL = 10 * time.Minute

// lockKeyPrefix は実行ロックのキー接頭辞。
const lockKeyPrefix = "authcore:sweep:"

// Job はスケジューラから起動されるジョブ。
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec は秒フィールド付きのcron式を解析する。
func ParseSpec(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s, nil
}

type entry struct {
	spec     string
	schedule cron.Schedule
	job      Job
}

// Scheduler はcron式に従ってジョブを起動する。
// ジョブの結果はログに記録するだけで、呼び出し元には返さない。
type Scheduler struct {
	locker  Locker
	logger  *slog.Logger
	lockTTL time.Duration
	now     func() time.Time
	entries []entry
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// locker が nil の場合は LocalLocker、lockTTL が0以下の場合は DefaultLockTTL を使う。
func NewScheduler(locker Locker, logger *slog.Logger, lockTTL time.Duration) *Scheduler {
	if locker == nil {
		locker = LocalLocker{}
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Scheduler{
		locker:  locker,
		logger:  logger,
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

// Add はジョブを登録する。Start より前に呼ぶこと。
func (s *Scheduler) Add(spec string, job Job) error {
	schedule, err := ParseSpec(spec)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, entry{spec: spec, schedule: schedule, job: job})
	return nil
}

// Start は登録済みジョブの起動を開始し、ctx がキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	for _, e := range s.entries {
		job := e.job
		c.Schedule(e.schedule, cron.FuncJob(func() {
			_ = s.RunNow(ctx, job)
		}))
		s.logger.Info("ジョブを登録しました",
			slog.String("job", job.Name()),
			slog.String("spec", e.spec),
			slog.Time("next", e.schedule.Next(s.now())),
		)
	}

	c.Start()
	s.logger.Info("スケジューラを開始しました", slog.Int("job_count", len(s.entries)))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("スケジューラを停止しました")
}

// RunNow はロックを取得してジョブを1回実行する。
// 他のインスタンスが同じ発火時刻の実行権を持っている場合は何もしない。
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	fire := s.now().Truncate(time.Minute)
	key := lockKeyPrefix + job.Name() + ":" + strconv.FormatInt(fire.Unix(), 10)

	acquired, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		s.logger.Error("実行ロックの取得に失敗しました",
			slog.String("job", job.Name()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !acquired {
		s.logger.Info("他のインスタンスが実行中のためスキップしました", slog.String("job", job.Name()))
		return nil
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("job", job.Name()),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Info("ジョブが完了しました",
		slog.String("job", job.Name()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// cronLogger はcron.Loggerをslogへ橋渡しする。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
